package memory

import (
	"context"
	"strings"
	"time"

	"github.com/easeaico/hybrid-memory/internal/logging"
	"github.com/m-mizutani/goerr/v2"
)

// Judge produces a one-line judgment for a rendered classification prompt.
type Judge interface {
	Judge(ctx context.Context, prompt string) (string, error)
}

// JudgeFunc adapts a plain function to Judge.
type JudgeFunc func(ctx context.Context, prompt string) (string, error)

func (f JudgeFunc) Judge(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

// DefaultCandidateLimit is how many similar entries Observe shows the judge.
const DefaultCandidateLimit = 5

// Engine applies classified observations to a fact store and vector index
// as one logical unit.
type Engine struct {
	facts          *FactStore
	index          *VectorIndex
	candidateLimit int
	minScore       float64
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCandidateLimit sets how many similar entries are considered per observation.
func WithCandidateLimit(n int) EngineOption {
	return func(e *Engine) { e.candidateLimit = n }
}

// WithMinScore sets the similarity floor for candidates and recall.
func WithMinScore(score float64) EngineOption {
	return func(e *Engine) { e.minScore = score }
}

// NewEngine creates an engine over an already opened fact store and index.
func NewEngine(facts *FactStore, index *VectorIndex, opts ...EngineOption) *Engine {
	e := &Engine{
		facts:          facts,
		index:          index,
		candidateLimit: DefaultCandidateLimit,
		minScore:       DefaultMinScore,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Facts returns the underlying fact store.
func (e *Engine) Facts() *FactStore { return e.facts }

// Index returns the underlying vector index.
func (e *Engine) Index() *VectorIndex { return e.index }

// Outcome reports what Apply or Observe did.
type Outcome struct {
	Decision Decision

	// Entry is the newly stored entry for ADD and UPDATE.
	Entry *Entry

	// Candidates are the similar live entries the decision was made against.
	Candidates []*Entry
}

// Apply performs decision for draft. ADD and UPDATE write the vector row
// first under a pre-allocated id, then commit the fact row (and for UPDATE
// the supersession of the target) in one transaction; if that fails the
// vector row is removed again. DELETE supersedes the target without a
// replacement. NOOP changes nothing.
func (e *Engine) Apply(ctx context.Context, d Draft, vector []float32, decision Decision) (*Outcome, error) {
	out := &Outcome{Decision: decision}

	switch decision.Action {
	case ActionNoop:
		return out, nil

	case ActionDelete:
		if err := e.facts.SupersedeStrict(ctx, decision.TargetID, ""); err != nil {
			return nil, err
		}
		return out, nil

	case ActionAdd, ActionUpdate:
		var oldID string
		if decision.Action == ActionUpdate {
			if decision.TargetID == "" {
				return nil, goerr.Wrap(ErrValidation, "update requires a target id")
			}
			oldID = decision.TargetID
		}

		entry, err := e.write(ctx, d, vector, oldID)
		if err != nil {
			return nil, err
		}
		out.Entry = entry
		return out, nil

	default:
		return nil, goerr.Wrap(ErrValidation, "unknown action", goerr.V("action", decision.Action))
	}
}

func (e *Engine) write(ctx context.Context, d Draft, vector []float32, oldID string) (*Entry, error) {
	if err := e.facts.checkOpen(); err != nil {
		return nil, err
	}
	entry, err := e.facts.newEntry(d)
	if err != nil {
		return nil, err
	}

	// The vector upsert would overwrite the row of an existing fact, and the
	// compensating delete would then remove it.
	if d.ID != "" {
		if d.ID == oldID {
			return nil, goerr.Wrap(ErrValidation, "fact cannot supersede itself", goerr.V("id", d.ID))
		}
		existing, err := e.facts.Get(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, goerr.Wrap(ErrValidation, "fact id already exists", goerr.V("id", d.ID))
		}
	}

	if _, err := e.index.Store(ctx, VectorRecord{
		ID:         entry.ID,
		Vector:     vector,
		Text:       entry.Text,
		Importance: entry.Importance,
		Category:   entry.Category,
	}); err != nil {
		return nil, err
	}

	if err := e.facts.put(ctx, entry, oldID); err != nil {
		// The fact never became visible; take the vector row back out.
		if derr := e.index.Delete(context.WithoutCancel(ctx), entry.ID); derr != nil {
			logging.From(ctx).Warn("failed to remove orphan vector row",
				"id", entry.ID, "error", derr)
		} else {
			logging.From(ctx).Debug("removed vector row after failed fact write", "id", entry.ID)
		}
		return nil, err
	}
	return entry, nil
}

// Observe runs the full pipeline for a new statement: find similar live
// entries, ask judge how the statement relates to them, and apply the answer.
// An exact duplicate of a candidate is a NOOP without consulting the judge.
// With no candidates, a nil judge or a failing judge the statement is added.
func (e *Engine) Observe(ctx context.Context, d Draft, vector []float32, judge Judge) (*Outcome, error) {
	logger := logging.From(ctx)

	candidates, err := FindSimilar(ctx, e.index, e.facts, vector, e.candidateLimit, e.minScore)
	if err != nil {
		return nil, err
	}

	decision := e.decide(ctx, d.Text, candidates, judge)
	if strings.HasPrefix(decision.Reason, "unparseable") {
		logger.Warn("judgment fell back to ADD", "reason", decision.Reason)
	}
	logger.Debug("classified observation",
		"action", decision.Action, "target", decision.TargetID, "candidates", len(candidates))

	out, err := e.Apply(ctx, d, vector, decision)
	if err != nil {
		return nil, err
	}
	out.Candidates = candidates
	return out, nil
}

func (e *Engine) decide(ctx context.Context, text string, candidates []*Entry, judge Judge) Decision {
	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, c := range candidates {
		if strings.ToLower(c.Text) == normalized {
			return Decision{Action: ActionNoop, Reason: "exact duplicate of " + c.ID}
		}
	}

	if len(candidates) == 0 {
		return Decision{Action: ActionAdd, Reason: "no similar memories"}
	}
	if judge == nil {
		return Decision{Action: ActionAdd, Reason: "no judge configured"}
	}

	prompt, err := BuildJudgmentPrompt(text, candidates)
	if err != nil {
		logging.From(ctx).Warn("failed to build judgment prompt", "error", err)
		return Decision{Action: ActionAdd, Reason: "prompt failed"}
	}

	line, err := judge.Judge(ctx, prompt)
	if err != nil {
		logging.From(ctx).Warn("judge failed, adding observation", "error", err)
		return Decision{Action: ActionAdd, Reason: "judge failed"}
	}
	return ParseJudgment(line, candidates)
}

// Recall returns live entries similar to vector with their scores, using
// the engine's similarity floor.
func (e *Engine) Recall(ctx context.Context, vector []float32, limit int) ([]ScoredEntry, error) {
	return FindSimilarScored(ctx, e.index, e.facts, vector, limit, e.minScore)
}

// Forget removes an entry from retrieval. A soft forget supersedes it with no
// replacement and keeps its history. A hard forget deletes the fact row and
// then its vector row.
func (e *Engine) Forget(ctx context.Context, id string, hard bool) error {
	if !hard {
		return e.facts.SupersedeStrict(ctx, id, "")
	}

	if err := e.facts.Delete(ctx, id); err != nil {
		return err
	}
	// A leftover vector row is harmless: the resolver drops ids with no entry.
	return e.index.Delete(ctx, id)
}

// Prune hard-deletes expired entries and their vector rows.
func (e *Engine) Prune(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := e.facts.PruneExpired(ctx, now)
	if err != nil {
		return nil, err
	}
	if err := e.index.Delete(ctx, ids...); err != nil {
		return ids, err
	}
	if len(ids) > 0 {
		logging.From(ctx).Info("pruned expired memories", "count", len(ids))
	}
	return ids, nil
}
