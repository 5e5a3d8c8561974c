package store

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/txlog/internal/docsql"
	"github.com/roach88/txlog/internal/record"
)

//go:embed schema.sql
var schemaSQL string

var (
	// ErrNotFound is returned when a transaction id is not in the log.
	ErrNotFound = record.ErrTransactionNotFound

	// ErrDuplicate is returned when a document or transaction id is already
	// taken.
	ErrDuplicate = errors.New("duplicate id")
)

// connPragmas are applied once per Open. The single pooled connection keeps
// them in effect for the life of the Store.
var connPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
}

// migrations upgrade databases created by older builds. Entry i moves
// user_version from i to i+1; schema.sql always describes the latest shape,
// so every statement must be safe to run against it.
var migrations = []string{
	// 1: redo looks up the most recently undone transaction of an owner.
	`CREATE INDEX IF NOT EXISTS idx_transactions_owner_undone
		ON transactions(owner, state, undone_at)`,
}

var currentSchemaVersion = len(migrations)

// Store holds the document collections and the transaction log in one
// SQLite file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, then brings its
// schema up to date. Reopening an existing file is safe.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := prepare(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// prepare pins the pool to one connection, which also serializes the
// read-modify-write cycles in Collection.Update and the log writes.
func prepare(db *sql.DB) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	for _, p := range connPragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return migrate(db)
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	for v := version; v < len(migrations); v++ {
		if _, err := db.Exec(migrations[v]); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
	}
	if version != currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("write user_version: %w", err)
		}
	}
	return nil
}

// Close closes the database. Closing a zero Store is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for tests and maintenance queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Collection returns a handle for the named document collection.
// Collections need no creation; an unused name is simply empty.
func (s *Store) Collection(name string) *Collection {
	return docsql.New(s.db, name, sqlite)
}

// pragma reads the current value of a pragma.
func (s *Store) pragma(name string) (string, error) {
	var value string
	if err := s.db.QueryRow("PRAGMA " + name).Scan(&value); err != nil {
		return "", fmt.Errorf("read pragma %s: %w", name, err)
	}
	return value, nil
}
