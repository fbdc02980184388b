package postgres

import (
	"database/sql"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xtding233/gacha-economy/internal/economy"
)

// SQLSTATEs that mean "try the whole transaction again".
var retryable = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
}

func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && retryable[pgErr.Code] {
		return errors.Mark(errors.Wrapf(err, "%s", op), economy.ErrConcurrencyConflict)
	}
	return errors.Wrapf(err, "%s", op)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
