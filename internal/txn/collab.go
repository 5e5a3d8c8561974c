package txn

import (
	"context"
	"fmt"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/record"
)

// Collection is the document store capability for one collection.
//
// Update and Remove must honor the selector's equality constraints and
// report a zero count, not an error, when nothing matched.
// Implemented by store.Collection (SQLite) and pgstore.Collection.
type Collection interface {
	Insert(ctx context.Context, d doc.Object) (string, error)
	Update(ctx context.Context, sel doc.Selector, updates ...mutation.Update) (int64, error)
	Remove(ctx context.Context, sel doc.Selector) (int64, error)
	FindOne(ctx context.Context, sel doc.Selector) (doc.Object, bool, error)
}

// Log persists transaction records. Implemented by store.Store.
//
// GetTransaction returns an error wrapping record.ErrTransactionNotFound for
// unknown ids. LatestDone and LatestUndone return nil when nothing is
// eligible; both skip expired transactions.
type Log interface {
	CreateTransaction(ctx context.Context, t *record.Transaction) error
	SaveTransaction(ctx context.Context, t *record.Transaction) error
	GetTransaction(ctx context.Context, id string) (*record.Transaction, error)
	DeleteTransaction(ctx context.Context, id string) error
	LatestDone(ctx context.Context, owner string) (*record.Transaction, error)
	LatestUndone(ctx context.Context, owner string) (*record.Transaction, error)
	ListPending(ctx context.Context) ([]*record.Transaction, error)
}

// Registry resolves collection names to store handles.
type Registry interface {
	Collection(name string) (Collection, error)
}

// Collections is a fixed Registry.
type Collections map[string]Collection

// Collection implements Registry.
func (c Collections) Collection(name string) (Collection, error) {
	coll, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", name)
	}
	return coll, nil
}

// RegistryFunc adapts a function to Registry, for stores where any
// collection name is valid.
type RegistryFunc func(name string) (Collection, error)

// Collection implements Registry.
func (f RegistryFunc) Collection(name string) (Collection, error) {
	return f(name)
}

// Identity reports the principal on whose behalf a call runs.
type Identity interface {
	CurrentIdentity(ctx context.Context) (string, bool)
}

// IdentityFunc adapts a function to Identity.
type IdentityFunc func(ctx context.Context) (string, bool)

// CurrentIdentity implements Identity.
func (f IdentityFunc) CurrentIdentity(ctx context.Context) (string, bool) {
	return f(ctx)
}

type principalKey struct{}

// WithPrincipal returns a context carrying the given identity. The default
// Identity reads it back.
func WithPrincipal(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, principalKey{}, id)
}

// ContextIdentity reads the identity stored by WithPrincipal.
type ContextIdentity struct{}

// CurrentIdentity implements Identity.
func (ContextIdentity) CurrentIdentity(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(principalKey{}).(string)
	return id, ok && id != ""
}

// Replay tells a permission predicate whether a check is for undo or redo.
type Replay string

const (
	ReplayNone Replay = ""
	ReplayUndo Replay = "undo"
	ReplayRedo Replay = "redo"
)

// CheckRequest describes the action a permission predicate is asked about.
type CheckRequest struct {
	// Kind is the action kind. For undo and redo it is the kind of the
	// document's first action in the transaction.
	Kind       record.Kind
	Collection string
	DocumentID string

	// Document is the document as it currently is, or the document being
	// inserted. Nil when the document does not exist.
	Document doc.Object

	// Mutation is the update being applied. For undo and redo it is the
	// document's recombined net update in replay order.
	Mutation mutation.Mutation

	// Identity is the caller identity, empty when there is none.
	Identity string

	Replay Replay
}

// Permission decides whether an action may proceed.
type Permission interface {
	Allow(ctx context.Context, req CheckRequest) bool
}

// PermissionFunc adapts a function to Permission.
type PermissionFunc func(ctx context.Context, req CheckRequest) bool

// Allow implements Permission.
func (f PermissionFunc) Allow(ctx context.Context, req CheckRequest) bool {
	return f(ctx, req)
}

// AllowAll permits every action.
var AllowAll = PermissionFunc(func(context.Context, CheckRequest) bool { return true })

// Executor is the authoritative commit, undo and redo boundary. Each call is
// idempotent for a transaction id that already reached a terminal state.
// Implemented by Engine; executor.Async and executor.Guard wrap it.
type Executor interface {
	Process(ctx context.Context, t *record.Transaction) (*CommitResult, error)
	UndoLast(ctx context.Context, id string) (*Outcome, error)
	RedoLast(ctx context.Context, id string) (*Outcome, error)
}

// CommitResult is returned by a successful Commit or Process.
type CommitResult struct {
	TransactionID string

	// NewIDs holds the ids of inserted documents grouped by collection.
	NewIDs map[string][]string

	// Duplicate is set when the transaction had already been processed.
	Duplicate bool

	// Deferred is set by a nested Commit; the outer Commit does the work.
	Deferred bool

	// Empty is set when the transaction had no items and was discarded.
	Empty bool
}

// Outcome is returned by UndoLast and RedoLast.
type Outcome struct {
	TransactionID string

	// Applied is false when no eligible transaction was found.
	Applied bool

	// Failed counts items whose replay failed and were left unmarked.
	Failed int
}
