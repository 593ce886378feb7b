// Package dbx provides tiny DB abstractions shared by the storage backends:
// a minimal interface (DBTX) implemented by both *sql.DB and *sql.Tx,
// and helpers to run functions inside a transaction.
package dbx

import (
	"context"
	"database/sql"
)

// DBTX is the subset of database/sql used by our repositories.
// Both *sql.DB and *sql.Tx satisfy this interface.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is anything that can be committed or rolled back: *sql.Tx as well as
// the in-memory store transactions.
type Tx interface {
	Commit() error
	Rollback() error
}

// Run begins a transaction with begin, runs fn with it, and then commits on
// success or rolls back on error/panic. Panics are rethrown.
func Run[T Tx](ctx context.Context, begin func(ctx context.Context) (T, error), fn func(ctx context.Context, tx T) error) (err error) {
	tx, err := begin(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(ctx, tx)
	return err
}

// WithTx is Run specialised for *sql.DB.
//
//	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
//	    _, err := tx.ExecContext(ctx, "UPDATE ...")
//	    return err
//	})
func WithTx(ctx context.Context, db *sql.DB, opts *sql.TxOptions, fn func(ctx context.Context, tx DBTX) error) error {
	begin := func(ctx context.Context) (*sql.Tx, error) {
		return db.BeginTx(ctx, opts)
	}
	return Run(ctx, begin, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, tx)
	})
}
