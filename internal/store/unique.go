package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// IsUniqueViolation reports whether err comes from a unique constraint on any supported driver
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			liteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}

	if isCgoUniqueViolation(err) {
		return true
	}

	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
