package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/record"
)

const transactionColumns = `id, owner, description, context, items, state, expired, undone_at, last_modified, seq`

// CreateTransaction inserts a new transaction record.
// Returns ErrDuplicate if the id is already in the log.
func (s *Store) CreateTransaction(ctx context.Context, t *record.Transaction) error {
	row, err := encodeTransaction(t)
	if err != nil {
		return fmt.Errorf("write transaction %s: %w", t.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, row.args()...)
	if err != nil {
		return fmt.Errorf("write transaction %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write transaction %s: %w", t.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("write transaction %s: %w", t.ID, ErrDuplicate)
	}
	return nil
}

// SaveTransaction overwrites an existing transaction record.
// Returns ErrNotFound if the id is not in the log.
func (s *Store) SaveTransaction(ctx context.Context, t *record.Transaction) error {
	row, err := encodeTransaction(t)
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", t.ID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE transactions SET
			owner = ?, description = ?, context = ?, items = ?, state = ?,
			expired = ?, undone_at = ?, last_modified = ?, seq = ?
		WHERE id = ?
	`, row.owner, row.description, row.context, row.items, row.state,
		row.expired, row.undoneAt, row.lastModified, row.seq, row.id)
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save transaction %s: %w", t.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("save transaction %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// GetTransaction reads a transaction by id.
// Returns ErrNotFound if the id is not in the log.
func (s *Store) GetTransaction(ctx context.Context, id string) (*record.Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read transaction %s: %w", id, err)
	}
	return t, nil
}

// DeleteTransaction removes a transaction record. Deleting a missing id is
// not an error.
func (s *Store) DeleteTransaction(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete transaction %s: %w", id, err)
	}
	return nil
}

// LatestDone returns the owner's most recently modified done, non-expired
// transaction, or nil when there is none.
func (s *Store) LatestDone(ctx context.Context, owner string) (*record.Transaction, error) {
	return s.latest(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE owner = ? AND state = 'done' AND expired = 0
		ORDER BY last_modified DESC, seq DESC
		LIMIT 1
	`, owner)
}

// LatestUndone returns the owner's most recently undone, non-expired
// transaction, or nil when there is none.
func (s *Store) LatestUndone(ctx context.Context, owner string) (*record.Transaction, error) {
	return s.latest(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE owner = ? AND state = 'undone' AND expired = 0
		ORDER BY undone_at DESC, seq DESC
		LIMIT 1
	`, owner)
}

func (s *Store) latest(ctx context.Context, query, owner string) (*record.Transaction, error) {
	t, err := scanTransaction(s.db.QueryRowContext(ctx, query, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest transaction for %q: %w", owner, err)
	}
	return t, nil
}

// ListTransactions returns the transactions matching f, oldest first.
func (s *Store) ListTransactions(ctx context.Context, f record.Filter) ([]*record.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if !f.Since.IsZero() {
		where = append(where, "last_modified >= ?")
		args = append(args, f.Since.UnixNano())
	}
	if len(f.States) > 0 {
		marks := make([]string, len(f.States))
		for i, st := range f.States {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "state IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY last_modified ASC, seq ASC, id ASC COLLATE BINARY`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []*record.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// ListPending returns every pending transaction, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]*record.Transaction, error) {
	return s.ListTransactions(ctx, record.Filter{States: []record.State{record.StatePending}})
}

// MaxSeq returns the largest seq in the log, or 0 for an empty log.
// Used to resume the logical clock after a restart.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM transactions`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return seq.Int64, nil
}

// transactionRow is the column-level encoding of a record.Transaction.
type transactionRow struct {
	id           string
	owner        string
	description  string
	context      string
	items        string
	state        string
	expired      bool
	undoneAt     sql.NullInt64
	lastModified int64
	seq          int64
}

func (r transactionRow) args() []any {
	return []any{r.id, r.owner, r.description, r.context, r.items, r.state,
		r.expired, r.undoneAt, r.lastModified, r.seq}
}

func encodeTransaction(t *record.Transaction) (transactionRow, error) {
	ctxObj := t.Context
	if ctxObj == nil {
		ctxObj = doc.Object{}
	}
	ctxJSON, err := doc.MarshalCanonicalString(ctxObj)
	if err != nil {
		return transactionRow{}, fmt.Errorf("marshal context: %w", err)
	}
	items := t.Items
	if items == nil {
		items = []record.Action{}
	}
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return transactionRow{}, fmt.Errorf("marshal items: %w", err)
	}
	row := transactionRow{
		id:           t.ID,
		owner:        t.Owner,
		description:  t.Description,
		context:      ctxJSON,
		items:        string(itemsJSON),
		state:        string(t.State),
		expired:      t.Expired,
		lastModified: t.LastModified.UnixNano(),
		seq:          t.Seq,
	}
	if t.UndoneAt != nil {
		row.undoneAt = sql.NullInt64{Int64: t.UndoneAt.UnixNano(), Valid: true}
	}
	return row, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(sc scanner) (*record.Transaction, error) {
	var r transactionRow
	if err := sc.Scan(&r.id, &r.owner, &r.description, &r.context, &r.items,
		&r.state, &r.expired, &r.undoneAt, &r.lastModified, &r.seq); err != nil {
		return nil, err
	}

	t := &record.Transaction{
		ID:           r.id,
		Owner:        r.owner,
		Description:  r.description,
		State:        record.State(r.state),
		Expired:      r.expired,
		LastModified: time.Unix(0, r.lastModified).UTC(),
		Seq:          r.seq,
	}
	if err := t.Context.UnmarshalJSON([]byte(r.context)); err != nil {
		return nil, fmt.Errorf("unmarshal context of %s: %w", r.id, err)
	}
	if len(t.Context) == 0 {
		t.Context = nil
	}
	if err := json.Unmarshal([]byte(r.items), &t.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items of %s: %w", r.id, err)
	}
	if r.undoneAt.Valid {
		at := time.Unix(0, r.undoneAt.Int64).UTC()
		t.UndoneAt = &at
	}
	return t, nil
}
