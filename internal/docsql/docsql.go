// Package docsql keeps a document collection in a database/sql table of
// (collection, id, body) rows. The SQLite store and pgstore both build their
// collections on it; a Dialect carries what differs between the two.
//
// Update and Remove are guarded writes: they read the selected document
// inside a transaction and only write when it matches every equality
// constraint of the selector.
package docsql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
)

// Dialect describes one backend's table and SQL flavor.
type Dialect struct {
	// Table holds the rows.
	Table string
	// Param renders the n-th bind parameter, counting from 1.
	Param func(n int) string
	// BodyIn is appended to the body parameter on write, e.g. "::jsonb".
	BodyIn string
	// BodyOut selects the body as text.
	BodyOut string
	// ByID orders rows by id, bytewise.
	ByID string
	// Lock is appended to the read that precedes a guarded write.
	Lock string
	// Duplicate is wrapped into the error when an inserted id is taken.
	Duplicate error
}

// Question renders every parameter as "?".
func Question(int) string { return "?" }

// Dollar renders parameter n as "$n".
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// Collection is a named set of documents in a Dialect's table.
type Collection struct {
	db   *sql.DB
	name string
	d    *Dialect
}

// New returns a handle for the named collection. Collections need no
// creation; an unused name is simply empty.
func New(db *sql.DB, name string, d *Dialect) *Collection {
	return &Collection{db: db, name: name, d: d}
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// WithID returns a copy of d carrying an "_id", generating a UUIDv7 when it
// has none, along with that id.
func WithID(d doc.Object) (doc.Object, string, error) {
	d = d.Clone()
	if d == nil {
		d = doc.Object{}
	}
	id := d.ID()
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, "", fmt.Errorf("generate document id: %w", err)
		}
		id = u.String()
		d[doc.IDField] = doc.String(id)
	}
	return d, id, nil
}

// Insert stores d and returns its id. A missing "_id" is generated. Returns
// an error wrapping Dialect.Duplicate when the id is taken.
func (c *Collection) Insert(ctx context.Context, d doc.Object) (string, error) {
	d, id, err := WithID(d)
	if err != nil {
		return "", err
	}
	body, err := doc.MarshalCanonicalString(d)
	if err != nil {
		return "", fmt.Errorf("marshal document %s/%s: %w", c.name, id, err)
	}

	p := c.d.Param
	res, err := c.db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (collection, id, body) VALUES (%s, %s, %s%s)
		ON CONFLICT (collection, id) DO NOTHING`,
		c.d.Table, p(1), p(2), p(3), c.d.BodyIn,
	), c.name, id, body)
	if err != nil {
		return "", fmt.Errorf("insert document %s/%s: %w", c.name, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("insert document %s/%s: %w", c.name, id, err)
	}
	if n == 0 {
		return "", fmt.Errorf("insert document %s/%s: %w", c.name, id, c.d.Duplicate)
	}
	return id, nil
}

// Update applies updates to the document selected by sel and returns the
// number of documents changed (0 or 1).
func (c *Collection) Update(ctx context.Context, sel doc.Selector, updates ...mutation.Update) (int64, error) {
	p := c.d.Param
	n, err := c.guarded(ctx, sel, func(tx *sql.Tx, cur doc.Object) (int64, error) {
		next, err := mutation.Apply(cur, updates...)
		if err != nil {
			return 0, err
		}
		body, err := doc.MarshalCanonicalString(next)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET body = %s%s WHERE collection = %s AND id = %s`,
			c.d.Table, p(1), c.d.BodyIn, p(2), p(3),
		), body, c.name, sel.ID); err != nil {
			return 0, err
		}
		return 1, nil
	})
	if err != nil {
		return 0, fmt.Errorf("update document %s/%s: %w", c.name, sel.ID, err)
	}
	return n, nil
}

// Remove deletes the document selected by sel and returns the number of
// documents removed (0 or 1).
func (c *Collection) Remove(ctx context.Context, sel doc.Selector) (int64, error) {
	p := c.d.Param
	n, err := c.guarded(ctx, sel, func(tx *sql.Tx, _ doc.Object) (int64, error) {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s WHERE collection = %s AND id = %s`,
			c.d.Table, p(1), p(2),
		), c.name, sel.ID)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
	if err != nil {
		return 0, fmt.Errorf("remove document %s/%s: %w", c.name, sel.ID, err)
	}
	return n, nil
}

// FindOne returns the document selected by sel.
// The boolean is false when no document matches.
func (c *Collection) FindOne(ctx context.Context, sel doc.Selector) (doc.Object, bool, error) {
	obj, ok, err := c.find(ctx, c.db, sel, false)
	if err != nil {
		return nil, false, fmt.Errorf("find document %s/%s: %w", c.name, sel.ID, err)
	}
	return obj, ok, nil
}

// Count returns the number of documents in the collection.
func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COUNT(*) FROM %s WHERE collection = %s`, c.d.Table, c.d.Param(1),
	), c.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents %s: %w", c.name, err)
	}
	return n, nil
}

// All returns every document in the collection ordered by id.
func (c *Collection) All(ctx context.Context) ([]doc.Object, error) {
	rows, err := c.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT %s FROM %s WHERE collection = %s ORDER BY %s`,
		c.d.BodyOut, c.d.Table, c.d.Param(1), c.d.ByID,
	), c.name)
	if err != nil {
		return nil, fmt.Errorf("query documents %s: %w", c.name, err)
	}
	defer rows.Close()

	var out []doc.Object
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan document %s: %w", c.name, err)
		}
		obj, err := decode(body)
		if err != nil {
			return nil, fmt.Errorf("decode document %s: %w", c.name, err)
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents %s: %w", c.name, err)
	}
	return out, nil
}

// guarded runs write on the document selected by sel inside a transaction.
// A missing or mismatched document writes nothing and counts zero.
func (c *Collection) guarded(ctx context.Context, sel doc.Selector, write func(tx *sql.Tx, cur doc.Object) (int64, error)) (int64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	cur, ok, err := c.find(ctx, tx, sel, true)
	if err != nil || !ok {
		tx.Rollback()
		return 0, err
	}
	n, err := write(tx, cur)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *Collection) find(ctx context.Context, q querier, sel doc.Selector, lock bool) (doc.Object, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE collection = %s AND id = %s`,
		c.d.BodyOut, c.d.Table, c.d.Param(1), c.d.Param(2))
	if lock {
		query += c.d.Lock
	}

	var body string
	err := q.QueryRowContext(ctx, query, c.name, sel.ID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	obj, err := decode(body)
	if err != nil {
		return nil, false, err
	}
	if !sel.Matches(obj) {
		return nil, false, nil
	}
	return obj, true, nil
}

func decode(body string) (doc.Object, error) {
	var obj doc.Object
	if err := obj.UnmarshalJSON([]byte(body)); err != nil {
		return nil, err
	}
	return obj, nil
}
