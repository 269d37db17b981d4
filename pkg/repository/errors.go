package repository

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgDuplicateKeyCode = "23505"
	pgForeignKeyCode   = "23503"
)

// MapError translates database errors to domain errors.
// It maps sql.ErrNoRows to notFoundErr, PostgreSQL unique violation (23505)
// to duplicateErr and foreign key violation (23503) to missingRefErr.
// Nil targets leave the matching error unchanged.
func MapError(err error, notFoundErr, duplicateErr error, missingRefErr ...error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) && notFoundErr != nil {
		return notFoundErr
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch {
	case pgErr.Code == pgDuplicateKeyCode && duplicateErr != nil:
		return duplicateErr
	case pgErr.Code == pgForeignKeyCode && len(missingRefErr) > 0 && missingRefErr[0] != nil:
		return missingRefErr[0]
	}

	return err
}

// IsTransient reports whether err is a database failure a retry may clear:
// PostgreSQL connection exceptions (class 08), serialization failures and
// deadlocks, plus dropped or unreachable connections reported by the driver
// or the network before the server answered.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) == 5 && pgErr.Code[:2] == "08":
			return true
		case pgErr.Code == "40001", pgErr.Code == "40P01":
			return true
		}
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
