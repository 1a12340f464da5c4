// Package store opens the service database and holds the account repository.
package store

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// Supported database/sql driver names
const (
	DriverSQLite   = "sqlite"  // modernc.org/sqlite, pure Go
	DriverSQLite3  = "sqlite3" // github.com/mattn/go-sqlite3, cgo
	DriverPostgres = "pgx"
)

// ValidDriver reports whether driver is one Open understands
func ValidDriver(driver string) bool {
	switch driver {
	case DriverSQLite, DriverSQLite3, DriverPostgres:
		return true
	}
	return false
}

// Open connects to the database and applies the embedded schema
func Open(driver, dsn string) (*sqlx.DB, error) {
	if !ValidDriver(driver) {
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	schema := postgresSchema
	if driver != DriverPostgres {
		schema = sqliteSchema
		if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
			// Ensure directory exists
			if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
		dsn = sqliteDSN(driver, dsn)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := applySchema(db, schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// sqliteDSN appends WAL and busy timeout settings in each driver's syntax
func sqliteDSN(driver, dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if driver == DriverSQLite3 {
		return dsn + sep + "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on"
	}
	return dsn + sep + "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func applySchema(db *sqlx.DB, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Unix converts an optional time to a nullable unix seconds column value
func Unix(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Unix()
	return &v
}

// FromUnix converts a nullable unix seconds column value back to time
func FromUnix(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}
