// Package pgstore is the PostgreSQL implementation of billing.Store and of
// the audit log storage. Every write that must happen at most once is
// decided by a uniqueness constraint or a conditional update inside the
// database, so concurrent deliveries cannot race past each other.
package pgstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrymomot/gradekit/pkg/pg"
	"github.com/dmitrymomot/gradekit/svc/billing"
)

// Migrations holds the goose migrations for the billing schema.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory of the migrations inside Migrations.
const MigrationsDir = "migrations"

// Store implements billing.Store over database/sql with the pgx driver.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for updated_at columns.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store. Panics if db is nil.
func New(db *sql.DB, opts ...Option) *Store {
	if db == nil {
		panic("pgstore: db cannot be nil")
	}
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ billing.Store = (*Store)(nil)

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// wrap marks connectivity failures as billing.ErrStoreUnavailable so that
// callers can fall back to the snapshot cache.
func wrap(op string, err error) error {
	if pg.IsUnavailableError(err) {
		return fmt.Errorf("pgstore: %s: %w", op, errors.Join(billing.ErrStoreUnavailable, err))
	}
	return fmt.Errorf("pgstore: %s: %w", op, err)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timeRef(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func rowsAffected(op string, res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, wrap(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(op, err)
	}
	return n, nil
}
