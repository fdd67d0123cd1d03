// Package store persists rules, snapshots, logs, settings and the transient
// authoring slots as JSON documents in one SQLite key-value table.
//
// Each mutation reads a whole document, changes it and writes it back
// inside one transaction, so SQLite serialises concurrent writers and the
// last writer never silently drops another's update.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/pagehook/dbopen"
	"github.com/hazyhaar/pagehook/idgen"
)

// ErrNotFound is returned when a rule does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the pagehook database handle.
type Store struct {
	DB *sql.DB

	now    func() time.Time
	newID  idgen.Generator
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithIDGenerator overrides the id generator used for new rules and logs.
func WithIDGenerator(g idgen.Generator) Option { return func(s *Store) { s.newID = g } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, dbOpts []dbopen.Option, opts ...Option) (*Store, error) {
	all := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, dbOpts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	return New(db, opts...), nil
}

// New wraps an open database. The schema must already be applied.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{DB: db, now: time.Now, newID: idgen.Default, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

// RulesVersion returns the write counter of the rules document, 0 when no
// rule was ever saved.
func (s *Store) RulesVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.DB.QueryRowContext(ctx, `SELECT version FROM kv WHERE key = ?`, KeyRules).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: rules version: %w", err)
	}
	return v, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// getDoc decodes the document under key into v. It reports false when the
// key is absent, leaving v untouched.
func getDoc(ctx context.Context, q queryer, key string, v any) (bool, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: read %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("store: decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) putDoc(ctx context.Context, tx *sql.Tx, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", key, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO kv (key, value, version, updated_at) VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			version = kv.version + 1,
			updated_at = excluded.updated_at`,
		key, string(raw), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: write %s: %w", key, err)
	}
	return nil
}

func deleteDoc(ctx context.Context, tx *sql.Tx, key string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	return dbopen.RunTx(ctx, s.DB, fn)
}
