// Package record defines the persisted transaction log records.
//
// A Transaction groups an ordered list of Actions. The order of Items is the
// application order; its reverse is the undo order. Both types serialize to
// JSON with snake_case tags; structured update values use the flat encoding
// from the mutation package.
package record

import (
	"errors"
	"time"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
)

// ErrTransactionNotFound is returned by transaction logs for unknown ids.
var ErrTransactionNotFound = errors.New("transaction not found")

// State is the lifecycle state of a transaction or of one of its actions.
type State string

const (
	StatePending    State = "pending"
	StateDone       State = "done"
	StateRolledBack State = "rolledBack"
	StateUndone     State = "undone"
)

// Terminal reports whether no further automatic processing applies.
// Only pending transactions are picked up by recovery.
func (s State) Terminal() bool {
	return s != StatePending
}

// Kind is the kind of document mutation an action performs.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindRemove Kind = "remove"
)

// Action is one mutation within a transaction.
type Action struct {
	Collection string `json:"collection"`
	DocumentID string `json:"document_id"`
	Kind       Kind   `json:"kind"`
	State      State  `json:"state"`

	// Instant actions were applied to the store when queued rather than at
	// commit time.
	Instant bool `json:"instant"`

	// NoCheck actions bypassed the permission predicate, and bypass it again
	// on undo and redo.
	NoCheck bool `json:"no_check"`

	// Document is the full inserted document (insert) or the snapshot taken
	// before a hard delete (remove with Hard=true).
	Document doc.Object `json:"document,omitempty"`

	// Forward and Inverse describe an update.
	Forward *mutation.Update  `json:"forward,omitempty"`
	Inverse mutation.Mutation `json:"inverse,omitempty"`

	// ExplicitInverse marks an inverse supplied by the caller; it is never
	// recalculated.
	ExplicitInverse bool `json:"explicit_inverse,omitempty"`

	// Hard distinguishes a hard delete (snapshot kept in Document) from a
	// soft delete (tombstone field set on the document).
	Hard bool `json:"hard,omitempty"`

	// PriorTxnID is the transaction id the target document carried before
	// this action was applied. Undo writes it back.
	PriorTxnID string `json:"prior_transaction_id,omitempty"`

	// Context is per-action metadata, merged into the transaction context.
	Context doc.Object `json:"context,omitempty"`
}

// Key identifies the action's target document.
func (a Action) Key() DocKey {
	return DocKey{Collection: a.Collection, ID: a.DocumentID}
}

// DocKey identifies a document across collections.
type DocKey struct {
	Collection string
	ID         string
}

// Transaction is the unit of atomicity.
type Transaction struct {
	ID          string     `json:"id"`
	Owner       string     `json:"owner,omitempty"`
	Description string     `json:"description"`
	Context     doc.Object `json:"context,omitempty"`
	Items       []Action   `json:"items"`
	State       State      `json:"state"`

	// Expired is set when undo or redo was refused because a target
	// document changed under another transaction.
	Expired bool `json:"expired"`

	// UndoneAt records the last undo. It survives a redo, so a done
	// transaction can still show it was once undone.
	UndoneAt *time.Time `json:"undone_at,omitempty"`

	LastModified time.Time `json:"last_modified"`

	// Seq is a monotonic logical sequence stamped on every state
	// transition. It breaks ties between equal LastModified values.
	Seq int64 `json:"seq"`
}

// NewIDs returns the ids of inserted documents grouped by collection, in
// item order.
func (t *Transaction) NewIDs() map[string][]string {
	ids := make(map[string][]string)
	for _, item := range t.Items {
		if item.Kind == KindInsert {
			ids[item.Collection] = append(ids[item.Collection], item.DocumentID)
		}
	}
	return ids
}

// Clone returns a deep copy of the transaction.
func (t *Transaction) Clone() *Transaction {
	out := *t
	out.Context = t.Context.Clone()
	if t.UndoneAt != nil {
		at := *t.UndoneAt
		out.UndoneAt = &at
	}
	out.Items = make([]Action, len(t.Items))
	for i, item := range t.Items {
		out.Items[i] = item.clone()
	}
	return &out
}

func (a Action) clone() Action {
	out := a
	out.Document = a.Document.Clone()
	out.Context = a.Context.Clone()
	if a.Forward != nil {
		fwd := mutation.Update{Command: a.Forward.Command, Fields: cloneFields(a.Forward.Fields)}
		out.Forward = &fwd
	}
	if a.Inverse != nil {
		out.Inverse = make(mutation.Mutation, len(a.Inverse))
		for i, u := range a.Inverse {
			out.Inverse[i] = mutation.Update{Command: u.Command, Fields: cloneFields(u.Fields)}
		}
	}
	return out
}

func cloneFields(fields []mutation.Field) []mutation.Field {
	out := make([]mutation.Field, len(fields))
	for i, f := range fields {
		out[i] = mutation.Field{Key: f.Key, Value: doc.Clone(f.Value)}
	}
	return out
}

// Filter selects transactions for listing. Zero fields match everything.
type Filter struct {
	Owner  string
	States []State
	Since  time.Time
	Limit  int
}

// Matches reports whether t satisfies the filter (Limit is ignored).
func (f Filter) Matches(t *Transaction) bool {
	if f.Owner != "" && t.Owner != f.Owner {
		return false
	}
	if !f.Since.IsZero() && t.LastModified.Before(f.Since) {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if t.State == s {
			return true
		}
	}
	return false
}
