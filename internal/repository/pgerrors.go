package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brikpay/refund-params/internal/model"
)

// mapDBError turns Postgres constraint failures that mean "another writer got
// there first" into model.ErrVersionConflict. Anything else is returned as is.
func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s", model.ErrVersionConflict, pgErr.ConstraintName)
		case "40001": // serialization_failure
			return fmt.Errorf("%w: serialization failure", model.ErrVersionConflict)
		case "40P01": // deadlock_detected
			return fmt.Errorf("%w: deadlock", model.ErrVersionConflict)
		case "23503": // foreign_key_violation
			return fmt.Errorf("referenced resource does not exist: %s: %w", pgErr.Detail, err)
		}
	}
	return err
}

// execTx runs fn inside a transaction. Rollback and commit use their own
// timeout so a cancelled caller context cannot leave the transaction open.
func execTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) (err error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		rbCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rbErr := tx.Rollback(rbCtx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
	}()

	if err = fn(tx); err != nil {
		return mapDBError(err)
	}

	commitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = tx.Commit(commitCtx); err != nil {
		return mapDBError(fmt.Errorf("commit transaction: %w", err))
	}
	committed = true
	return nil
}
