// Package database provides the durable store backing SDK session state and
// the event journal. SQLite is the default; PostgreSQL is supported for hosts
// that already run one.
package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Dialect identifies the SQL flavour of the open connection
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
	Dialect Dialect
}

// New opens a database connection. driver is "sqlite" or "postgres".
func New(driver, dsn string) (*DB, error) {
	dialect, err := parseDialect(driver)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Each connection to an in-memory SQLite database is a separate database
	if dialect == DialectSQLite && isMemoryDSN(dsn) {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, Dialect: dialect}, nil
}

// NewMemory opens a private in-memory SQLite database and migrates it
func NewMemory() (*DB, error) {
	db, err := New("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func parseDialect(driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3", "":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pq":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

// Migrate creates all required tables
func (db *DB) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv_store (
		key VARCHAR(255) PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at BIGINT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sdk_events (
		id VARCHAR(36) PRIMARY KEY,
		type VARCHAR(100) NOT NULL,
		severity VARCHAR(20) NOT NULL,
		timestamp BIGINT NOT NULL,
		tp_uid VARCHAR(255),
		description TEXT NOT NULL,
		data TEXT,
		component VARCHAR(100) NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sdk_events_timestamp ON sdk_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_sdk_events_tp_uid ON sdk_events(tp_uid);
	`

	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Reset drops all tables (for testing)
func (db *DB) Reset() error {
	_, err := db.Exec(`
		DROP TABLE IF EXISTS sdk_events;
		DROP TABLE IF EXISTS kv_store;
	`)
	return err
}

// CleanData deletes all rows without dropping tables (for testing)
func (db *DB) CleanData() error {
	_, err := db.Exec(`
		DELETE FROM sdk_events;
		DELETE FROM kv_store;
	`)
	return err
}

// Rebind converts ? placeholders to the connection's dialect
func (db *DB) Rebind(query string) string {
	return Rebind(db.Dialect, query)
}

// Rebind converts ? placeholders to $N for PostgreSQL and leaves SQLite
// queries untouched
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ToMillis stores timestamps as UTC unix milliseconds
func ToMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

// FromMillis is the inverse of ToMillis
func FromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}
