package memory

import (
	"regexp"
	"strings"
)

// Action is the mutation chosen for a new observation.
type Action string

const (
	ActionAdd    Action = "ADD"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
	ActionNoop   Action = "NOOP"
)

// Decision is a parsed judgment. TargetID is set only for UPDATE and DELETE
// and always names one of the candidates the judgment was made against.
type Decision struct {
	Action   Action
	TargetID string
	Reason   string
}

var judgmentPattern = regexp.MustCompile(`(?i)^\s*(ADD|UPDATE|DELETE|NOOP)\b\s*([^\s|]+)?\s*\|\s*(.*)$`)

// ParseJudgment reads a judgment of the form "ACTION [TARGET_ID] | reason".
// It never fails: malformed input becomes an ADD whose reason records what
// was wrong, so a bad judgment over-stores instead of dropping the fact.
func ParseJudgment(judgment string, candidates []*Entry) Decision {
	line := firstLine(judgment)

	m := judgmentPattern.FindStringSubmatch(line)
	if m == nil {
		return Decision{Action: ActionAdd, Reason: "unparseable: " + line}
	}

	action := Action(strings.ToUpper(m[1]))
	// Models sometimes echo the bracket notation of the prompt.
	target := m[2]
	if len(target) >= 2 && target[0] == '[' && target[len(target)-1] == ']' {
		target = target[1 : len(target)-1]
	}
	reason := strings.TrimSpace(m[3])

	switch action {
	case ActionUpdate, ActionDelete:
		if target == "" {
			return Decision{Action: ActionAdd, Reason: withSuffix(reason, "missing targetId")}
		}
		if !hasCandidate(candidates, target) {
			return Decision{Action: ActionAdd, Reason: withSuffix(reason, "unknown id")}
		}
		return Decision{Action: action, TargetID: target, Reason: reason}
	default:
		return Decision{Action: action, Reason: reason}
	}
}

func firstLine(s string) string {
	for line := range strings.SplitSeq(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func withSuffix(reason, diag string) string {
	if reason == "" {
		return "(" + diag + ")"
	}
	return reason + " (" + diag + ")"
}

func hasCandidate(candidates []*Entry, id string) bool {
	for _, c := range candidates {
		if c != nil && c.ID == id {
			return true
		}
	}
	return false
}
