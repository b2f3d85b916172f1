package memory

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	_ "modernc.org/sqlite"
)

// FactStore persists entries in a single SQLite database file. It is safe for
// concurrent use; SQLite serializes writers and every supersession is a
// single-row conditional update.
type FactStore struct {
	db     *sql.DB
	closed atomic.Bool
	now    func() time.Time
}

// NewFactStore opens (creating if needed) the fact database at dbPath and
// initializes its schema. dbPath may be ":memory:" for an ephemeral store.
func NewFactStore(ctx context.Context, dbPath string) (*FactStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, goerr.Wrap(err, "failed to create fact store directory", goerr.V("path", dbPath))
		}
	}

	// Enable WAL mode and a busy timeout so concurrent sessions queue instead of failing
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open database", goerr.V("path", dbPath))
	}
	// One connection: required for :memory: and avoids writer lock contention.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, goerr.Wrap(err, "failed to ping database", goerr.V("path", dbPath))
	}

	s := &FactStore{db: db, now: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *FactStore) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			text TEXT NOT NULL,
			category TEXT NOT NULL,
			importance REAL NOT NULL,
			entity TEXT,
			fact_key TEXT,
			fact_value TEXT,
			source TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			decay_class TEXT NOT NULL,
			expires_at INTEGER,
			last_confirmed_at INTEGER NOT NULL,
			confidence REAL NOT NULL,
			superseded_by TEXT,
			superseded_at INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_facts_live ON facts(superseded_at, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_facts_category ON facts(category);
		CREATE INDEX IF NOT EXISTS idx_facts_entity_key ON facts(entity, fact_key);
		CREATE INDEX IF NOT EXISTS idx_facts_superseded_by ON facts(superseded_by);
		CREATE INDEX IF NOT EXISTS idx_facts_expires ON facts(expires_at);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return goerr.Wrap(err, "failed to initialize schema")
	}
	return nil
}

const factColumns = `id, text, category, importance, entity, fact_key, fact_value, source,
	created_at, decay_class, expires_at, last_confirmed_at, confidence, superseded_by, superseded_at`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *FactStore) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Store validates the draft, fills derived fields, and persists a new entry.
func (s *FactStore) Store(ctx context.Context, d Draft) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	e, err := s.newEntry(d)
	if err != nil {
		return nil, err
	}
	if err := s.put(ctx, e, ""); err != nil {
		return nil, err
	}
	return e, nil
}

// StoreReplacing persists a new entry and supersedes oldID with it in one
// transaction, so the replacement is visible if and only if the old entry is
// hidden. It fails with ErrNotFound when oldID does not exist.
func (s *FactStore) StoreReplacing(ctx context.Context, d Draft, oldID string) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	e, err := s.newEntry(d)
	if err != nil {
		return nil, err
	}
	if oldID == "" {
		return nil, goerr.Wrap(ErrValidation, "superseded id is required")
	}
	if err := s.put(ctx, e, oldID); err != nil {
		return nil, err
	}
	return e, nil
}

// put inserts a prepared entry. With a non-empty oldID the insert and the
// strict supersession of oldID commit together.
func (s *FactStore) put(ctx context.Context, e *Entry, oldID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if oldID == "" {
		return insertEntry(ctx, s.db, e)
	}
	if oldID == e.ID {
		return goerr.Wrap(ErrValidation, "entry cannot supersede itself", goerr.V("id", e.ID))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := insertEntry(ctx, tx, e); err != nil {
		return err
	}
	if err := s.supersede(ctx, tx, oldID, e.ID, true); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return goerr.Wrap(err, "failed to commit replacement", goerr.V("old_id", oldID), goerr.V("new_id", e.ID))
	}
	return nil
}

func (s *FactStore) newEntry(d Draft) (*Entry, error) {
	text := strings.TrimSpace(d.Text)
	if text == "" {
		return nil, goerr.Wrap(ErrValidation, "text is required")
	}
	if math.IsNaN(d.Importance) || d.Importance < 0 || d.Importance > 1 {
		return nil, goerr.Wrap(ErrValidation, "importance must be within [0,1]", goerr.V("importance", d.Importance))
	}

	confidence := d.Confidence
	switch confidence {
	case 0:
		confidence = 1.0
	case ZeroConfidence:
		confidence = 0
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return nil, goerr.Wrap(ErrValidation, "confidence must be within [0,1]", goerr.V("confidence", d.Confidence))
	}

	category := d.Category
	if category == "" {
		category = CategoryOther
	}
	if !category.Valid() {
		return nil, goerr.Wrap(ErrValidation, "unknown category", goerr.V("category", d.Category))
	}

	source := d.Source
	if source == "" {
		source = SourceConversation
	}
	if !source.Valid() {
		return nil, goerr.Wrap(ErrValidation, "unknown source", goerr.V("source", d.Source))
	}

	decay := d.DecayClass
	if decay == "" {
		decay = ClassifyDecay(category, d.Key, text, source)
	}
	if !decay.Valid() {
		return nil, goerr.Wrap(ErrValidation, "unknown decay class", goerr.V("decay_class", d.DecayClass))
	}

	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := s.now().Truncate(time.Second)
	expires := d.ExpiresAt
	if expires == nil {
		expires = decay.ExpiresAt(now)
	}

	return &Entry{
		ID:              id,
		Text:            text,
		Category:        category,
		Importance:      d.Importance,
		Entity:          d.Entity,
		Key:             d.Key,
		Value:           d.Value,
		Source:          source,
		CreatedAt:       now,
		DecayClass:      decay,
		ExpiresAt:       expires,
		LastConfirmedAt: now,
		Confidence:      confidence,
	}, nil
}

func insertEntry(ctx context.Context, db execer, e *Entry) error {
	query := `INSERT INTO facts (` + factColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.ExecContext(ctx, query,
		e.ID, e.Text, string(e.Category), e.Importance,
		nullString(e.Entity), nullString(e.Key), nullString(e.Value),
		string(e.Source), e.CreatedAt.Unix(), string(e.DecayClass),
		nullUnix(e.ExpiresAt), e.LastConfirmedAt.Unix(), e.Confidence,
		nullString(e.SupersededBy), nullUnix(e.SupersededAt),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to insert fact", goerr.V("id", e.ID))
	}
	return nil
}

// Supersede marks id as replaced by replacementID, or as deleted when
// replacementID is empty. Superseding an already superseded entry is a no-op,
// as is superseding an id that does not exist.
func (s *FactStore) Supersede(ctx context.Context, id, replacementID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.supersede(ctx, s.db, id, replacementID, false)
}

// SupersedeStrict is Supersede but fails with ErrNotFound when id does not exist.
func (s *FactStore) SupersedeStrict(ctx context.Context, id, replacementID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.supersede(ctx, s.db, id, replacementID, true)
}

func (s *FactStore) supersede(ctx context.Context, db execer, id, replacementID string, strict bool) error {
	if id == "" {
		return goerr.Wrap(ErrValidation, "id is required")
	}
	if id == replacementID {
		return goerr.Wrap(ErrValidation, "entry cannot supersede itself", goerr.V("id", id))
	}

	var by *string
	if replacementID != "" {
		by = &replacementID
	}

	res, err := db.ExecContext(ctx,
		`UPDATE facts SET superseded_by = ?, superseded_at = ? WHERE id = ? AND superseded_at IS NULL`,
		nullString(by), s.now().Unix(), id,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to supersede fact", goerr.V("id", id))
	}
	if !strict {
		return nil
	}

	n, err := res.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "failed to read affected rows", goerr.V("id", id))
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM facts WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return goerr.Wrap(ErrNotFound, "cannot supersede missing fact", goerr.V("id", id))
	}
	if err != nil {
		return goerr.Wrap(err, "failed to check fact", goerr.V("id", id))
	}
	return nil
}

// Get returns the entry with id regardless of supersession, or nil if absent.
func (s *FactStore) Get(ctx context.Context, id string) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+factColumns+` FROM facts WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get fact", goerr.V("id", id))
	}
	return e, nil
}

// Lookup returns the newest live entry for an entity/key pair, or nil.
// Both are compared case-insensitively.
func (s *FactStore) Lookup(ctx context.Context, entity, key string) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `SELECT ` + factColumns + ` FROM facts
		WHERE lower(entity) = lower(?) AND lower(fact_key) = lower(?) AND superseded_at IS NULL
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, entity, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to look up fact", goerr.V("entity", entity), goerr.V("key", key))
	}
	return e, nil
}

// Query returns entries matching f, newest first unless f.Ascending.
func (s *FactStore) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		conds []string
		args  []any
	)
	if !f.IncludeSuperseded {
		conds = append(conds, "superseded_at IS NULL")
	}
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, string(f.Source))
	}
	if f.Entity != "" {
		conds = append(conds, "lower(entity) = lower(?)")
		args = append(args, f.Entity)
	}
	if f.Key != "" {
		conds = append(conds, "lower(fact_key) = lower(?)")
		args = append(args, f.Key)
	}
	if f.DecayClass != "" {
		conds = append(conds, "decay_class = ?")
		args = append(args, string(f.DecayClass))
	}

	query := `SELECT ` + factColumns + ` FROM facts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Ascending {
		query += " ORDER BY created_at ASC, rowid ASC"
	} else {
		query += " ORDER BY created_at DESC, rowid DESC"
	}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return s.queryEntries(ctx, query, args...)
}

func (s *FactStore) queryEntries(ctx context.Context, query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query facts")
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan fact")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "error iterating facts")
	}
	return entries, nil
}

// Confirm records a corroboration of a live entry: LastConfirmedAt moves to
// now and expiring classes get a fresh ExpiresAt.
func (s *FactStore) Confirm(ctx context.Context, id string) (*Entry, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil || !e.Live() {
		return nil, goerr.Wrap(ErrNotFound, "cannot confirm missing fact", goerr.V("id", id))
	}

	now := s.now().Truncate(time.Second)
	e.LastConfirmedAt = now
	if exp := e.DecayClass.ExpiresAt(now); exp != nil {
		e.ExpiresAt = exp
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE facts SET last_confirmed_at = ?, expires_at = ? WHERE id = ?`,
		now.Unix(), nullUnix(e.ExpiresAt), id,
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to confirm fact", goerr.V("id", id))
	}
	return e, nil
}

// Delete physically removes an entry. It fails with ErrNotFound when nothing
// was removed.
func (s *FactStore) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id)
	if err != nil {
		return goerr.Wrap(err, "failed to delete fact", goerr.V("id", id))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return goerr.Wrap(ErrNotFound, "cannot delete missing fact", goerr.V("id", id))
	}
	return nil
}

// PruneExpired hard-deletes live entries whose ExpiresAt is at or before now
// and returns their ids so the caller can drop the matching vector rows.
func (s *FactStore) PruneExpired(ctx context.Context, now time.Time) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM facts WHERE superseded_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?`,
		now.Unix(),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query expired facts")
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, goerr.Wrap(err, "failed to scan expired fact")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "error iterating expired facts")
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id); err != nil {
			return nil, goerr.Wrap(err, "failed to delete expired fact", goerr.V("id", id))
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, goerr.Wrap(err, "failed to commit prune")
	}
	return ids, nil
}

// History returns the supersession chain containing id, oldest first.
func (s *FactStore) History(ctx context.Context, id string) ([]*Entry, error) {
	start, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, goerr.Wrap(ErrNotFound, "no history for missing fact", goerr.V("id", id))
	}

	visited := map[string]bool{start.ID: true}

	var older []*Entry
	for cur := start.ID; ; {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+factColumns+` FROM facts WHERE superseded_by = ? ORDER BY created_at DESC LIMIT 1`, cur)
		prev, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read predecessor", goerr.V("id", cur))
		}
		if visited[prev.ID] {
			break
		}
		visited[prev.ID] = true
		older = append(older, prev)
		cur = prev.ID
	}

	chain := make([]*Entry, 0, len(older)+1)
	for i := len(older) - 1; i >= 0; i-- {
		chain = append(chain, older[i])
	}
	chain = append(chain, start)

	for next := start.SupersededBy; next != nil && !visited[*next]; {
		e, err := s.Get(ctx, *next)
		if err != nil {
			return nil, err
		}
		if e == nil {
			break
		}
		visited[e.ID] = true
		chain = append(chain, e)
		next = e.SupersededBy
	}
	return chain, nil
}

// Count returns the number of live entries, or of all entries when
// includeSuperseded is set.
func (s *FactStore) Count(ctx context.Context, includeSuperseded bool) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	query := `SELECT COUNT(*) FROM facts WHERE superseded_at IS NULL`
	if includeSuperseded {
		query = `SELECT COUNT(*) FROM facts`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, goerr.Wrap(err, "failed to count facts")
	}
	return n, nil
}

// Close releases the database handle. Later calls fail with ErrClosed.
func (s *FactStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return goerr.Wrap(err, "failed to close database")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e                              Entry
		category, source, decay        string
		entity, key, value, supersedBy sql.NullString
		createdAt, confirmedAt         int64
		expiresAt, supersededAt        sql.NullInt64
	)
	err := row.Scan(
		&e.ID, &e.Text, &category, &e.Importance,
		&entity, &key, &value, &source,
		&createdAt, &decay, &expiresAt, &confirmedAt, &e.Confidence,
		&supersedBy, &supersededAt,
	)
	if err != nil {
		return nil, err
	}

	e.Category = Category(category)
	e.Source = Source(source)
	e.DecayClass = DecayClass(decay)
	e.Entity = fromNullString(entity)
	e.Key = fromNullString(key)
	e.Value = fromNullString(value)
	e.SupersededBy = fromNullString(supersedBy)
	e.CreatedAt = time.Unix(createdAt, 0)
	e.LastConfirmedAt = time.Unix(confirmedAt, 0)
	e.ExpiresAt = fromNullUnix(expiresAt)
	e.SupersededAt = fromNullUnix(supersededAt)
	return &e, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return ptr(s.String)
}

func nullUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func fromNullUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	return ptr(time.Unix(v.Int64, 0))
}
