package memory

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
)

type testClock struct{ now time.Time }

func newTestClock() *testClock { return &testClock{now: time.Unix(1_700_000_000, 0)} }

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func draft(text string) Draft { return Draft{Text: text, Importance: 0.5} }

func categorized(text string, c Category) Draft {
	return Draft{Text: text, Category: c, Importance: 0.5}
}

func newTestFactStore(t *testing.T) (*FactStore, *testClock) {
	t.Helper()
	store, err := NewFactStore(context.Background(), ":memory:")
	gt.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clock := newTestClock()
	store.now = clock.Now
	return store, clock
}

func mustStore(t *testing.T, s *FactStore, d Draft) *Entry {
	t.Helper()
	e, err := s.Store(context.Background(), d)
	gt.NoError(t, err)
	return e
}

func ids(entries []*Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestFactStore_StoreDefaults(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestFactStore(t)

	e := mustStore(t, store, Draft{Text: "  User is working on the billing migration  ", Importance: 0.7})
	gt.NotEqual(t, e.ID, "")
	gt.Equal(t, e.Text, "User is working on the billing migration")
	gt.Equal(t, e.Category, CategoryOther)
	gt.Equal(t, e.Source, SourceConversation)
	gt.Equal(t, e.Confidence, 1.0)
	gt.Equal(t, e.DecayClass, DecayActive)
	gt.NotNil(t, e.ExpiresAt)
	gt.Equal(t, e.ExpiresAt.Unix(), clock.now.Add(14*24*time.Hour).Unix())
	gt.Equal(t, e.CreatedAt.Unix(), clock.now.Unix())
	gt.True(t, e.Live())

	got, err := store.Get(ctx, e.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Text, e.Text)
	gt.Equal(t, got.DecayClass, e.DecayClass)
	gt.Equal(t, got.ExpiresAt.Unix(), e.ExpiresAt.Unix())
	gt.Nil(t, got.Entity)
	gt.Nil(t, got.SupersededBy)

	missing, err := store.Get(ctx, "no-such-id")
	gt.NoError(t, err)
	gt.Nil(t, missing)
}

func TestFactStore_StoreStructured(t *testing.T) {
	store, _ := newTestFactStore(t)

	e := mustStore(t, store, Draft{
		Text:       "User's email is a@example.com",
		Category:   CategoryFact,
		Importance: 0.9,
		Entity:     StringPtr("user"),
		Key:        StringPtr("email"),
		Value:      StringPtr("a@example.com"),
		Confidence: 0.8,
	})
	gt.Equal(t, e.DecayClass, DecayPermanent)
	gt.Nil(t, e.ExpiresAt)
	gt.Equal(t, e.Confidence, 0.8)

	got, err := store.Get(context.Background(), e.ID)
	gt.NoError(t, err)
	gt.Equal(t, *got.Entity, "user")
	gt.Equal(t, *got.Key, "email")
	gt.Equal(t, *got.Value, "a@example.com")
}

func TestFactStore_ZeroConfidence(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFactStore(t)

	e, err := store.Store(ctx, Draft{Text: "Rumor: the office moves", Importance: 0.5, Confidence: ZeroConfidence})
	gt.NoError(t, err)
	gt.Equal(t, e.Confidence, 0.0)

	got, err := store.Get(ctx, e.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.Confidence, 0.0)
}

func TestFactStore_Validation(t *testing.T) {
	testCases := map[string]Draft{
		"empty text":           {Text: "   ", Importance: 0.5},
		"importance above one": {Text: "x", Importance: 1.5},
		"negative importance":  {Text: "x", Importance: -0.1},
		"nan importance":       {Text: "x", Importance: math.NaN()},
		"confidence above one": {Text: "x", Importance: 0.5, Confidence: 2},
		"negative confidence":  {Text: "x", Importance: 0.5, Confidence: -0.5},
		"unknown category":     {Text: "x", Importance: 0.5, Category: "hobby"},
		"unknown source":       {Text: "x", Importance: 0.5, Source: "rumor"},
		"unknown decay class":  {Text: "x", Importance: 0.5, DecayClass: "forever"},
	}

	for name, d := range testCases {
		t.Run(name, func(t *testing.T) {
			store, _ := newTestFactStore(t)
			_, err := store.Store(context.Background(), d)
			gt.Error(t, err)
			gt.True(t, errors.Is(err, ErrValidation))

			n, err := store.Count(context.Background(), true)
			gt.NoError(t, err)
			gt.Equal(t, n, 0)
		})
	}
}

func TestFactStore_SupersedeExcludesFromQuery(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFactStore(t)

	f1 := mustStore(t, store, draft("User prefers dark mode"))
	f2 := mustStore(t, store, draft("User prefers light mode"))

	gt.NoError(t, store.Supersede(ctx, f1.ID, f2.ID))

	live, err := store.Query(ctx, Filter{})
	gt.NoError(t, err)
	gt.Equal(t, ids(live), []string{f2.ID})

	audit, err := store.Query(ctx, Filter{IncludeSuperseded: true})
	gt.NoError(t, err)
	gt.A(t, audit).Length(2)

	old, err := store.Get(ctx, f1.ID)
	gt.NoError(t, err)
	gt.False(t, old.Live())
	gt.Equal(t, *old.SupersededBy, f2.ID)
}

func TestFactStore_SupersedeIdempotent(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestFactStore(t)

	f1 := mustStore(t, store, draft("User lives in Berlin"))

	gt.NoError(t, store.Supersede(ctx, f1.ID, ""))
	first, err := store.Get(ctx, f1.ID)
	gt.NoError(t, err)

	clock.Advance(time.Hour)
	gt.NoError(t, store.Supersede(ctx, f1.ID, ""))
	second, err := store.Get(ctx, f1.ID)
	gt.NoError(t, err)

	gt.Nil(t, second.SupersededBy)
	gt.Equal(t, second.SupersededAt.Unix(), first.SupersededAt.Unix())

	// A later replacement does not rewrite an already superseded entry.
	f2 := mustStore(t, store, draft("User lives in Munich"))
	gt.NoError(t, store.Supersede(ctx, f1.ID, f2.ID))
	third, err := store.Get(ctx, f1.ID)
	gt.NoError(t, err)
	gt.Nil(t, third.SupersededBy)
}

func TestFactStore_SupersedeMissingAndSelf(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFactStore(t)

	gt.NoError(t, store.Supersede(ctx, "missing", ""))

	err := store.SupersedeStrict(ctx, "missing", "")
	gt.True(t, errors.Is(err, ErrNotFound))

	f1 := mustStore(t, store, draft("User likes tea"))
	err = store.Supersede(ctx, f1.ID, f1.ID)
	gt.True(t, errors.Is(err, ErrValidation))

	// Strict on an already superseded row succeeds.
	gt.NoError(t, store.SupersedeStrict(ctx, f1.ID, ""))
	gt.NoError(t, store.SupersedeStrict(ctx, f1.ID, ""))
}

func TestFactStore_StoreReplacing(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFactStore(t)

	old := mustStore(t, store, draft("Deploys go out on Fridays"))
	repl, err := store.StoreReplacing(ctx, draft("Deploys go out on Thursdays"), old.ID)
	gt.NoError(t, err)

	live, err := store.Query(ctx, Filter{})
	gt.NoError(t, err)
	gt.Equal(t, ids(live), []string{repl.ID})

	// Missing target rolls the insert back.
	_, err = store.StoreReplacing(ctx, draft("Deploys go out on Mondays"), "missing")
	gt.True(t, errors.Is(err, ErrNotFound))

	n, err := store.Count(ctx, true)
	gt.NoError(t, err)
	gt.Equal(t, n, 2)

	_, err = store.StoreReplacing(ctx, draft("x"), "")
	gt.True(t, errors.Is(err, ErrValidation))
}

func TestFactStore_Lookup(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestFactStore(t)

	tz := func(v string) Draft {
		return Draft{Text: "timezone " + v, Importance: 0.5,
			Entity: StringPtr("user"), Key: StringPtr("timezone"), Value: StringPtr(v)}
	}

	first := mustStore(t, store, tz("UTC"))
	clock.Advance(time.Minute)
	second := mustStore(t, store, tz("Asia/Tokyo"))

	got, err := store.Lookup(ctx, "USER", "TimeZone")
	gt.NoError(t, err)
	gt.Equal(t, got.ID, second.ID)

	gt.NoError(t, store.Supersede(ctx, second.ID, ""))
	got, err = store.Lookup(ctx, "user", "timezone")
	gt.NoError(t, err)
	gt.Equal(t, got.ID, first.ID)

	got, err = store.Lookup(ctx, "user", "email")
	gt.NoError(t, err)
	gt.Nil(t, got)
}

func TestFactStore_QueryFilters(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestFactStore(t)

	a := mustStore(t, store, categorized("Uses Go for services", CategoryTechnical))
	clock.Advance(time.Second)
	b := mustStore(t, store, categorized("Prefers tabs", CategoryPreference))
	clock.Advance(time.Second)
	c := mustStore(t, store, Draft{Text: "Uses pgvector", Category: CategoryTechnical, Importance: 0.4, Source: SourceManual})

	testCases := map[string]struct {
		filter Filter
		want   []string
	}{
		"newest first": {Filter{}, []string{c.ID, b.ID, a.ID}},
		"ascending":    {Filter{Ascending: true}, []string{a.ID, b.ID, c.ID}},
		"category":     {Filter{Category: CategoryTechnical}, []string{c.ID, a.ID}},
		"source":       {Filter{Source: SourceManual}, []string{c.ID}},
		"limit":        {Filter{Limit: 2}, []string{c.ID, b.ID}},
		"decay class":  {Filter{DecayClass: DecayStable}, []string{c.ID, b.ID, a.ID}},
		"no match":     {Filter{Category: CategoryDecision}, []string{}},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			got, err := store.Query(ctx, tc.filter)
			gt.NoError(t, err)
			gt.Equal(t, ids(got), tc.want)
		})
	}
}

func TestFactStore_Confirm(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestFactStore(t)

	e := mustStore(t, store, draft("User is currently debugging the cache"))
	gt.Equal(t, e.DecayClass, DecaySession)

	clock.Advance(12 * time.Hour)
	confirmed, err := store.Confirm(ctx, e.ID)
	gt.NoError(t, err)
	gt.Equal(t, confirmed.LastConfirmedAt.Unix(), clock.now.Unix())
	gt.Equal(t, confirmed.ExpiresAt.Unix(), clock.now.Add(24*time.Hour).Unix())

	got, err := store.Get(ctx, e.ID)
	gt.NoError(t, err)
	gt.Equal(t, got.ExpiresAt.Unix(), confirmed.ExpiresAt.Unix())

	gt.NoError(t, store.Supersede(ctx, e.ID, ""))
	_, err = store.Confirm(ctx, e.ID)
	gt.True(t, errors.Is(err, ErrNotFound))
}

func TestFactStore_PruneExpired(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestFactStore(t)

	session := mustStore(t, store, draft("Right now the user is on a train"))
	permanent := mustStore(t, store, categorized("We chose SQLite for facts", CategoryDecision))

	pruned, err := store.PruneExpired(ctx, clock.now)
	gt.NoError(t, err)
	gt.A(t, pruned).Length(0)

	pruned, err = store.PruneExpired(ctx, clock.now.Add(25*time.Hour))
	gt.NoError(t, err)
	gt.Equal(t, pruned, []string{session.ID})

	got, err := store.Get(ctx, session.ID)
	gt.NoError(t, err)
	gt.Nil(t, got)

	got, err = store.Get(ctx, permanent.ID)
	gt.NoError(t, err)
	gt.NotNil(t, got)
}

func TestFactStore_Delete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestFactStore(t)

	e := mustStore(t, store, draft("Temporary note"))
	gt.NoError(t, store.Delete(ctx, e.ID))

	err := store.Delete(ctx, e.ID)
	gt.True(t, errors.Is(err, ErrNotFound))
}

func TestFactStore_History(t *testing.T) {
	ctx := context.Background()
	store, clock := newTestFactStore(t)

	v1 := mustStore(t, store, draft("Team size is 3"))
	clock.Advance(time.Minute)
	v2, err := store.StoreReplacing(ctx, draft("Team size is 5"), v1.ID)
	gt.NoError(t, err)
	clock.Advance(time.Minute)
	v3, err := store.StoreReplacing(ctx, draft("Team size is 8"), v2.ID)
	gt.NoError(t, err)

	for _, from := range []string{v1.ID, v2.ID, v3.ID} {
		chain, err := store.History(ctx, from)
		gt.NoError(t, err)
		gt.Equal(t, ids(chain), []string{v1.ID, v2.ID, v3.ID})
	}

	_, err = store.History(ctx, "missing")
	gt.True(t, errors.Is(err, ErrNotFound))
}

func TestFactStore_Closed(t *testing.T) {
	ctx := context.Background()
	store, err := NewFactStore(ctx, ":memory:")
	gt.NoError(t, err)

	gt.NoError(t, store.Close())
	gt.NoError(t, store.Close())

	_, err = store.Store(ctx, draft("too late"))
	gt.True(t, errors.Is(err, ErrClosed))
	_, err = store.Get(ctx, "x")
	gt.True(t, errors.Is(err, ErrClosed))
	_, err = store.Query(ctx, Filter{})
	gt.True(t, errors.Is(err, ErrClosed))
	gt.True(t, errors.Is(store.Supersede(ctx, "x", ""), ErrClosed))
}

func TestFactStore_FileDatabase(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "facts.db")

	store, err := NewFactStore(ctx, path)
	gt.NoError(t, err)
	e := mustStore(t, store, draft("Persisted across restarts"))
	gt.NoError(t, store.Close())

	reopened, err := NewFactStore(ctx, path)
	gt.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, e.ID)
	gt.NoError(t, err)
	gt.NotNil(t, got)
	gt.Equal(t, got.Text, "Persisted across restarts")
}
