// Package pgstore keeps document collections in PostgreSQL as jsonb rows,
// for deployments where documents live in Postgres while the transaction
// log stays in the local SQLite store.
//
// Collections are docsql collections, the same guarded-write code the SQLite
// store uses, reading the selected row FOR UPDATE before writing it.
package pgstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/roach88/txlog/internal/docsql"
)

//go:embed schema.sql
var schemaSQL string

// ErrDuplicate is returned when inserting a document whose id is taken.
var ErrDuplicate = errors.New("document already exists")

// Store is a PostgreSQL document store.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL and creates the documents table if needed.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Collection returns a handle to the named collection.
func (s *Store) Collection(name string) *Collection {
	return docsql.New(s.db, name, postgres)
}

// Collection is a named set of jsonb documents.
type Collection = docsql.Collection

// postgres reads rows FOR UPDATE before a guarded write; "C" collation
// orders ids bytewise.
var postgres = &docsql.Dialect{
	Table:     "txlog_documents",
	Param:     docsql.Dollar,
	BodyIn:    "::jsonb",
	BodyOut:   "body::text",
	ByID:      `id COLLATE "C" ASC`,
	Lock:      " FOR UPDATE",
	Duplicate: ErrDuplicate,
}
