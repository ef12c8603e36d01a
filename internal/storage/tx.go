// ABOUTME: Scoped transaction execution for the storage connection
// ABOUTME: Nested calls reuse the outer transaction carried by the context

package storage

import (
	"context"
	"database/sql"
	"fmt"
)

type txKey struct{}

func txFromContext(ctx context.Context) *sql.Tx {
	tx, _ := ctx.Value(txKey{}).(*sql.Tx)
	return tx
}

// InTransaction reports whether ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	return txFromContext(ctx) != nil
}

// Transaction runs fn atomically. Every write made through the Querier (or
// through any DB method called with the ctx passed to fn) commits together,
// or rolls back entirely if fn returns an error or panics.
//
// When ctx already carries a transaction, fn runs inside it and nothing is
// committed here; the outermost call decides.
func (db *DB) Transaction(ctx context.Context, fn func(ctx context.Context, q Querier) error) (err error) {
	if tx := txFromContext(ctx); tx != nil {
		return fn(ctx, tx)
	}

	tx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return Wrap(err, "", "beginning transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	txCtx := context.WithValue(ctx, txKey{}, tx)
	if err := fn(txCtx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			db.logger.Error("rollback failed", "error", rbErr)
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return Wrap(err, "", "committing transaction")
	}
	return nil
}
