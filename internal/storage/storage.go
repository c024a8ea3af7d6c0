// Package storage provides durable persistence for stories, consent grants,
// embed tokens, distributions, webhook subscriptions and the audit log.
//
// Two backends share one schema: SQLite via modernc.org/sqlite (default) and
// PostgreSQL via the pgx stdlib driver when the DSN is a postgres:// URL.
package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour of the underlying database.
type Dialect int

const (
	// DialectSQLite uses ? placeholders.
	DialectSQLite Dialect = iota
	// DialectPostgres uses $n placeholders.
	DialectPostgres
)

// String returns the database/sql driver name for the dialect.
func (d Dialect) String() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "sqlite"
}

// Store implements all repository operations over database/sql.
type Store struct {
	db            *sql.DB
	dialect       Dialect
	encryptionKey []byte
	now           func() time.Time
}

// New opens the database named by dsn, initializes the schema and returns a Store.
// A dsn starting with postgres:// or postgresql:// selects PostgreSQL; anything else
// is treated as a SQLite path (":memory:" for tests).
// The encryptionKey must be exactly 32 bytes; it protects webhook secrets at rest.
func New(dsn string, encryptionKey []byte) (*Store, error) {
	if len(encryptionKey) != 32 {
		return nil, ErrInvalidKey
	}

	dialect := DialectSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialect = DialectPostgres
	}

	driverDSN := dsn
	if dialect == DialectSQLite && !strings.Contains(dsn, "_time_format") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		driverDSN = dsn + sep + "_time_format=sqlite"
	}

	db, err := sql.Open(dialect.String(), driverDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == DialectSQLite {
		if err := configureSQLite(db); err != nil {
			_ = db.Close() //nolint:errcheck
			return nil, err
		}
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := InitSchema(db); err != nil {
		_ = db.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return NewWithDB(db, dialect, encryptionKey), nil
}

// NewWithDB wraps an already opened database without touching the schema.
// Used by tests that drive the store through go-sqlmock.
func NewWithDB(db *sql.DB, dialect Dialect, encryptionKey []byte) *Store {
	return &Store{
		db:            db,
		dialect:       dialect,
		encryptionKey: encryptionKey,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func configureSQLite(db *sql.DB) error {
	// modernc.org/sqlite requires a single connection for in-process databases
	// to avoid "database is locked" errors. It also keeps :memory: databases
	// alive for the lifetime of the Store.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// SetClock overrides the time source used for row timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

// Dialect reports which SQL flavour the store speaks.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// q rewrites ? placeholders into $n for PostgreSQL.
func (s *Store) q(query string) string {
	return rebind(s.dialect, query)
}

func rebind(d Dialect, query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
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

// inClause returns "?, ?, ?" for n placeholders.
func inClause(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
