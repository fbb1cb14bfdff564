package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Stmt is one statement in a Batch: a query plus its positional args.
type Stmt struct {
	Query string
	Args  []any
}

// Batch is the "prepare many statements, execute as one transaction"
// primitive: every statement runs in order inside a single transaction;
// any error rolls back the whole batch and the caller sees one error,
// never a partial commit.
type Batch struct {
	stmts []Stmt
}

// NewBatch returns an empty Batch.
func NewBatch() *Batch {
	return &Batch{}
}

// Exec appends a statement to the batch and returns the Batch for chaining.
// Queries are written with "?" placeholders; Run rebinds them per driver.
func (b *Batch) Exec(query string, args ...any) *Batch {
	b.stmts = append(b.stmts, Stmt{Query: query, Args: args})
	return b
}

// Run executes every statement in order inside one transaction, committing
// only if all succeed. On error, it rolls back and returns the error
// wrapped with the index of the failing statement.
func (s *Store) Run(ctx context.Context, b *Batch) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin batch: %w", err)
	}
	for i, st := range b.stmts {
		if _, err := tx.ExecContext(ctx, s.Rebind(st.Query), st.Args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("store: batch statement %d failed: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit batch: %w", err)
	}
	return nil
}

// Tx wraps a *sql.Tx with the same "?"-placeholder rebinding Store.Exec and
// friends apply, so domain code can write one statement form and use it
// both inside and outside a transaction.
type Tx struct {
	tx     *sql.Tx
	rebind func(string) string
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.rebind(query), args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.rebind(query), args...)
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.rebind(query), args...)
}

// WithTx runs fn inside a transaction, committing if fn returns nil and
// rolling back otherwise. Used by domain code that needs to interleave
// reads (e.g. MAX(counter)) with the statements that follow, which Batch's
// fixed statement list cannot express.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	tx := &Tx{tx: sqlTx, rebind: s.Rebind}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}
