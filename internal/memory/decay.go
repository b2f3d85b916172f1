package memory

import (
	"slices"
	"strings"
	"time"
)

// DecayClass controls how long an entry is expected to stay relevant.
type DecayClass string

const (
	DecayPermanent  DecayClass = "permanent"
	DecayStable     DecayClass = "stable"
	DecayActive     DecayClass = "active"
	DecaySession    DecayClass = "session"
	DecayCheckpoint DecayClass = "checkpoint"
)

var decayClasses = []DecayClass{
	DecayPermanent, DecayStable, DecayActive, DecaySession, DecayCheckpoint,
}

// Valid reports whether d is a known decay class.
func (d DecayClass) Valid() bool { return slices.Contains(decayClasses, d) }

// TTL returns the lifetime of the class. Zero means the entry never expires.
func (d DecayClass) TTL() time.Duration {
	switch d {
	case DecayStable:
		return 90 * 24 * time.Hour
	case DecayActive:
		return 14 * 24 * time.Hour
	case DecaySession:
		return 24 * time.Hour
	case DecayCheckpoint:
		return 4 * time.Hour
	default:
		return 0
	}
}

// ExpiresAt returns the expiry for an entry of this class confirmed at from,
// or nil for classes that never expire.
func (d DecayClass) ExpiresAt(from time.Time) *time.Time {
	ttl := d.TTL()
	if ttl == 0 {
		return nil
	}
	return ptr(from.Add(ttl).Truncate(time.Second))
}

var (
	permanentKeys = []string{"name", "birthday", "email", "phone", "language", "timezone"}

	permanentMarkers = []string{
		"always", "never", "decided", "we chose", "architecture", "my name is",
	}
	sessionMarkers = []string{
		"right now", "currently", "today", "this session", "at the moment",
	}
	activeMarkers = []string{
		"working on", "in progress", "todo", "this sprint", "this week", "next step",
	}
)

// ClassifyDecay derives a decay class from an entry's category, key and text.
func ClassifyDecay(category Category, key *string, text string, source Source) DecayClass {
	if source == SourceCheckpoint {
		return DecayCheckpoint
	}
	if category == CategoryDecision || category == CategoryEntity {
		return DecayPermanent
	}
	if key != nil && slices.Contains(permanentKeys, strings.ToLower(*key)) {
		return DecayPermanent
	}

	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, permanentMarkers):
		return DecayPermanent
	case containsAny(lower, sessionMarkers):
		return DecaySession
	case containsAny(lower, activeMarkers):
		return DecayActive
	default:
		return DecayStable
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
