// Package memory implements the hybrid long-term fact memory: a SQLite fact
// store with supersession, a reference-counted vector index with lazy
// reconnection, a resolver joining the two, and the engine that classifies a
// new observation as ADD, UPDATE, DELETE or NOOP.
package memory

import (
	"slices"
	"time"
)

// Category classifies what kind of knowledge an entry encodes.
type Category string

const (
	CategoryPreference Category = "preference"
	CategoryDecision   Category = "decision"
	CategoryFact       Category = "fact"
	CategoryEntity     Category = "entity"
	CategoryTechnical  Category = "technical"
	CategoryOther      Category = "other"
)

// Categories lists every valid category.
var Categories = []Category{
	CategoryPreference, CategoryDecision, CategoryFact,
	CategoryEntity, CategoryTechnical, CategoryOther,
}

// Valid reports whether c is one of Categories.
func (c Category) Valid() bool { return slices.Contains(Categories, c) }

// Source tags where an entry came from.
type Source string

const (
	SourceConversation  Source = "conversation"
	SourceDistillation  Source = "distillation"
	SourceReinforcement Source = "reinforcement"
	SourceManual        Source = "manual"
	SourceCheckpoint    Source = "checkpoint"
)

var sources = []Source{
	SourceConversation, SourceDistillation, SourceReinforcement,
	SourceManual, SourceCheckpoint,
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool { return slices.Contains(sources, s) }

// Entry is one stored fact. Entries are never edited in place: an update
// creates a new entry and supersedes the old one.
type Entry struct {
	ID         string
	Text       string
	Category   Category
	Importance float64

	// Optional subject/attribute/value decomposition.
	Entity *string
	Key    *string
	Value  *string

	Source          Source
	CreatedAt       time.Time
	DecayClass      DecayClass
	ExpiresAt       *time.Time
	LastConfirmedAt time.Time
	Confidence      float64

	// SupersededBy is a weak back-reference to the replacing entry. It is nil
	// for a pure delete-by-supersession, in which case only SupersededAt is set.
	SupersededBy *string
	SupersededAt *time.Time
}

// Live reports whether the entry may be returned by retrieval.
func (e *Entry) Live() bool { return e.SupersededAt == nil }

// Draft is the caller-supplied part of a new entry.
type Draft struct {
	// ID is normally empty and assigned by the store. The engine pre-allocates
	// it so the vector row can be written before the fact row.
	ID         string
	Text       string
	Category   Category
	Importance float64

	Entity *string
	Key    *string
	Value  *string

	Source Source

	// DecayClass and ExpiresAt are derived from category and text when zero.
	DecayClass DecayClass
	ExpiresAt  *time.Time

	// Confidence is in [0,1]. Zero is the unset value and stores 1.0; use
	// ZeroConfidence to record a fact with no confidence at all.
	Confidence float64
}

// ZeroConfidence is the Draft.Confidence value for an explicit confidence of
// zero.
const ZeroConfidence = -1.0

// Filter narrows Query results. Zero-valued fields do not filter.
type Filter struct {
	Category   Category
	Source     Source
	Entity     string
	Key        string
	DecayClass DecayClass

	// IncludeSuperseded returns superseded and deleted rows too, for audit.
	IncludeSuperseded bool

	// Ascending flips the default newest-first order.
	Ascending bool
	Limit     int
}

// VectorRecord is one row of the vector index. Text, Importance and Category
// are copied from the entry so search results can be filtered without a join.
type VectorRecord struct {
	ID         string
	Vector     []float32
	Text       string
	Importance float64
	Category   Category
}

// VectorMatch is a search hit with its cosine similarity.
type VectorMatch struct {
	Record VectorRecord
	Score  float64
}

// ptr returns a pointer to a copy of v.
func ptr[T any](v T) *T { return &v }

// StringPtr is a convenience for the optional Entity/Key/Value fields.
func StringPtr(s string) *string { return ptr(s) }
