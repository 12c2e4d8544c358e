// Package store persists trips and their append-only event logs.
//
// All statements are written with '?' placeholders and rebound for the
// connection's dialect, so the same queries run on Postgres (pgx) and SQLite.
// Event logs are ordered by their seq column, never by timestamps.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

var ErrNotFound = errors.New("not found")

// Store wraps the database handle and an optional read-only pool.
type Store struct {
	db     *sqlx.DB
	reader *sqlx.DB
}

// Option configures a Store.
type Option func(*Store)

// WithReader serves Reads from a separate read-only pool, so viewer queries
// on a single-writer SQLite database do not queue behind write transactions.
func WithReader(r *sqlx.DB) Option {
	return func(s *Store) { s.reader = r }
}

func New(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db}
	for _, o := range opts {
		o(s)
	}
	return s
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// Queries returns a non-transactional view on the write handle.
func (s *Store) Queries() *Queries {
	return &Queries{q: s.db}
}

// Reads returns a view for read-only callers. It uses the reader pool when
// one is configured and the write handle otherwise.
func (s *Store) Reads() *Queries {
	if s.reader != nil {
		return &Queries{q: s.reader}
	}
	return s.Queries()
}

// InTx runs fn inside a transaction. fn must only use the Queries it is
// given; the transaction commits when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(q *Queries) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Queries{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Queries runs statements against either the database or a transaction.
type Queries struct {
	q sqlx.ExtContext
}

func (q *Queries) get(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.GetContext(ctx, q.q, dest, q.q.Rebind(query), args...)
}

func (q *Queries) sel(ctx context.Context, dest any, query string, args ...any) error {
	return sqlx.SelectContext(ctx, q.q, dest, q.q.Rebind(query), args...)
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.q.ExecContext(ctx, q.q.Rebind(query), args...)
}

// insertReturningSeq runs an INSERT ... RETURNING seq.
func (q *Queries) insertReturningSeq(ctx context.Context, query string, args ...any) (int64, error) {
	var seq int64
	if err := q.q.QueryRowxContext(ctx, q.q.Rebind(query), args...).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
