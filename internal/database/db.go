package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/BradenHooton/dealergate/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the repositories translate.
var pgErrorMap = map[string]error{
	"23505": models.ErrConflict,         // unique_violation
	"23503": models.ErrBadRequest,       // foreign_key_violation
	"23502": models.ErrBadRequest,       // not_null_violation
	"23514": models.ErrBadRequest,       // check_violation
	"40001": models.ErrConcurrentUpdate, // serialization_failure
	"40P01": models.ErrConcurrentUpdate, // deadlock_detected
}

// MapPostgresError translates driver errors into model sentinels. The
// constraint name is kept in the message for the process log.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if sentinel, ok := pgErrorMap[pgErr.Code]; ok {
			if pgErr.ConstraintName != "" {
				return fmt.Errorf("%w: %s", sentinel, pgErr.ConstraintName)
			}
			return sentinel
		}
	}
	return err
}

// WithTransaction runs fn in a read-committed transaction.
func (db *DB) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) error {
	return db.WithTransactionOptions(ctx, pgx.TxOptions{}, fn)
}

// WithTransactionOptions commits when fn returns nil and rolls back on an
// error or panic.
func (db *DB) WithTransactionOptions(ctx context.Context, opts pgx.TxOptions, fn func(pgx.Tx) error) (err error) {
	tx, err := db.Pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		err = MapPostgresError(tx.Commit(ctx))
	}()

	return fn(tx)
}
