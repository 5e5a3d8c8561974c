package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/record"
)

// Builder accumulates the actions of one caller's open transaction.
//
// Only one transaction is open per Builder; concurrent callers use their
// own Builders. A Start while a transaction is open nests into it: the
// matching Commit is deferred and only the outermost Commit executes.
//
// A queue call without an open transaction runs as its own transaction,
// committed before the call returns.
//
// Thread-safety: methods are mutex-guarded so the idle watchdog can fire
// concurrently with the caller.
type Builder struct {
	e    *Engine
	exec Executor

	mu         sync.Mutex
	open       *openTxn
	lastCancel *Error
}

type openTxn struct {
	id          string
	owner       string
	description string
	context     doc.Object
	items       []record.Action
	nesting     int
	cancelled   *Error
	shadow      map[record.DocKey]shadowDoc
	timer       *time.Timer
}

// shadowDoc is a document as the open transaction sees it: store state
// plus the effects of earlier actions.
type shadowDoc struct {
	doc     doc.Object
	present bool
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// UsingExecutor sends commits to x instead of the engine, e.g. an executor
// behind a delivery guard.
func UsingExecutor(x Executor) BuilderOption {
	return func(b *Builder) {
		b.exec = x
	}
}

// NewBuilder creates a Builder for one caller or session.
func (e *Engine) NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{e: e, exec: e}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type actionOptions struct {
	instant bool
	noCheck bool
	inverse mutation.Mutation
	soft    *bool
	context doc.Object
}

// ActionOption configures a queued action.
type ActionOption func(*actionOptions)

// Instant applies the action to the store immediately instead of at commit.
func Instant() ActionOption {
	return func(o *actionOptions) { o.instant = true }
}

// NoCheck skips the permission predicate now and on undo and redo.
func NoCheck() ActionOption {
	return func(o *actionOptions) { o.noCheck = true }
}

// WithInverse supplies the inverse of an update explicitly. It is never
// recalculated and is required for commands without a default inverse.
func WithInverse(updates ...mutation.Update) ActionOption {
	return func(o *actionOptions) { o.inverse = mutation.Of(updates...) }
}

// Soft makes a Remove set the tombstone field instead of deleting.
func Soft() ActionOption {
	return func(o *actionOptions) { soft := true; o.soft = &soft }
}

// Hard makes a Remove delete the document, keeping a snapshot for undo.
func Hard() ActionOption {
	return func(o *actionOptions) { soft := false; o.soft = &soft }
}

// WithContext attaches metadata, merged into the transaction context.
func WithContext(ctx doc.Object) ActionOption {
	return func(o *actionOptions) { o.context = ctx.Clone() }
}

type commitOptions struct {
	id string
}

// CommitOption configures Commit.
type CommitOption func(*commitOptions)

// WithTransactionID makes Commit fail unless id is the open transaction.
func WithTransactionID(id string) CommitOption {
	return func(o *commitOptions) { o.id = id }
}

// Start opens a transaction and returns its id.
//
// It returns ("", false) without error when identity is required and
// missing, or when a transaction is already open; in the latter case the
// call nests into the open transaction.
func (b *Builder) Start(ctx context.Context, description string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startLocked(ctx, description)
}

func (b *Builder) startLocked(ctx context.Context, description string) (string, bool) {
	if t := b.open; t != nil {
		t.nesting++
		b.e.logger.Debug("transaction already open, nesting",
			"transaction_id", t.id, "depth", t.nesting, "description", description)
		return "", false
	}

	owner, ok := b.e.identity.CurrentIdentity(ctx)
	if !ok && b.e.cfg.RequireIdentity {
		b.e.logger.Warn("cannot start transaction without identity", "description", description)
		return "", false
	}

	t := &openTxn{
		id:          b.e.ids.Generate(),
		owner:       owner,
		description: description,
		shadow:      make(map[record.DocKey]shadowDoc),
	}
	b.open = t
	b.lastCancel = nil
	b.armWatchdog(t)
	b.e.logger.Debug("transaction started", "transaction_id", t.id, "owner", owner, "description", description)
	return t.id, true
}

// Current returns a copy of the open transaction, or nil.
func (b *Builder) Current() *record.Transaction {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open == nil {
		return nil
	}
	return b.open.record().Clone()
}

// Insert queues the insertion of d and returns its id. A missing "_id" is
// generated.
func (b *Builder) Insert(ctx context.Context, collection string, d doc.Object, opts ...ActionOption) (string, error) {
	o := buildOptions(opts)
	return b.run(ctx, record.KindInsert, collection, func(t *openTxn) (string, error) {
		return b.insertLocked(ctx, t, collection, d, o)
	})
}

// Update queues an update of the document with the given id.
func (b *Builder) Update(ctx context.Context, collection, id string, u mutation.Update, opts ...ActionOption) error {
	o := buildOptions(opts)
	_, err := b.run(ctx, record.KindUpdate, collection, func(t *openTxn) (string, error) {
		return id, b.updateLocked(ctx, t, collection, id, u, o)
	})
	return err
}

// Remove queues the removal of the document with the given id. Whether it
// is soft or hard follows Config.SoftDelete unless Soft or Hard is given.
func (b *Builder) Remove(ctx context.Context, collection, id string, opts ...ActionOption) error {
	o := buildOptions(opts)
	_, err := b.run(ctx, record.KindRemove, collection, func(t *openTxn) (string, error) {
		return id, b.removeLocked(ctx, t, collection, id, o)
	})
	return err
}

func buildOptions(opts []ActionOption) actionOptions {
	var o actionOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// run executes a queue operation, wrapping it in its own transaction when
// none is open.
func (b *Builder) run(ctx context.Context, kind record.Kind, collection string, fn func(t *openTxn) (string, error)) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	auto := b.open == nil
	if auto {
		if _, ok := b.startLocked(ctx, fmt.Sprintf("%s %s", kind, collection)); !ok {
			return "", newError(ErrCodePermissionDenied, "", "identity required to start a transaction")
		}
	}

	t := b.open
	if t.cancelled != nil {
		return "", t.cancelled
	}

	id, err := fn(t)
	if !auto {
		return id, err
	}
	if err != nil {
		b.resetLocked()
		return "", err
	}
	if _, err := b.commitLocked(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (b *Builder) insertLocked(ctx context.Context, t *openTxn, collection string, d doc.Object, o actionOptions) (string, error) {
	if _, err := b.e.collection(collection); err != nil {
		return "", wrapError(ErrCodeInsert, t.id, err, "insert into %s", collection)
	}

	d = d.Clone()
	if d == nil {
		d = doc.Object{}
	}
	id := d.ID()
	if id == "" {
		id = b.e.ids.Generate()
		d[doc.IDField] = doc.String(id)
	}
	d[b.e.cfg.TxnField] = doc.String(t.id)

	if err := b.check(ctx, t, o, CheckRequest{
		Kind:       record.KindInsert,
		Collection: collection,
		DocumentID: id,
		Document:   d,
	}); err != nil {
		return "", err
	}

	item := record.Action{
		Collection: collection,
		DocumentID: id,
		Kind:       record.KindInsert,
		State:      record.StatePending,
		Instant:    o.instant,
		NoCheck:    o.noCheck,
		Document:   d,
		Context:    o.context,
	}
	if o.instant {
		if err := b.e.applyForward(ctx, t.id, &item); err != nil {
			return "", b.failInstant(ctx, t, &item, err)
		}
		item.State = record.StateDone
	}

	b.push(t, item)
	t.shadow[item.Key()] = shadowDoc{doc: d, present: true}
	return id, nil
}

func (b *Builder) updateLocked(ctx context.Context, t *openTxn, collection, id string, u mutation.Update, o actionOptions) error {
	explicit := len(o.inverse) > 0
	if len(u.Fields) == 0 {
		return newError(ErrCodeUpdate, t.id, "update of %s/%s has no fields", collection, id)
	}
	if !u.Command.Valid() && !explicit {
		return wrapError(ErrCodeUpdate, t.id, mutation.ErrUnsupportedCommand,
			"%s on %s/%s needs an explicit inverse", u.Command, collection, id)
	}

	key := record.DocKey{Collection: collection, ID: id}
	prior, ok, err := b.view(ctx, t, key)
	if err != nil {
		return wrapError(ErrCodeUpdate, t.id, err, "read %s/%s", collection, id)
	}
	if !ok {
		return newError(ErrCodeUpdate, t.id, "document %s/%s not found", collection, id)
	}

	after, err := mutation.Apply(prior, u, b.e.txnOverlay(t.id))
	switch {
	case errors.Is(err, mutation.ErrUnsupportedCommand) && explicit:
		// Only the store can apply a command outside the built-in set.
		after = prior
	case err != nil:
		return wrapError(ErrCodeUpdate, t.id, err, "update %s/%s", collection, id)
	}

	if err := b.check(ctx, t, o, CheckRequest{
		Kind:       record.KindUpdate,
		Collection: collection,
		DocumentID: id,
		Document:   prior,
		Mutation:   mutation.Of(u),
	}); err != nil {
		return err
	}

	base, err := b.inverseBase(ctx, t, key, prior, o)
	if err != nil {
		return wrapError(ErrCodeUpdate, t.id, err, "read %s/%s", collection, id)
	}
	inverse, err := b.e.calc.Resolve(base, u, o.inverse)
	if err != nil {
		return wrapError(ErrCodeUpdate, t.id, err, "invert %s on %s/%s", u.Command, collection, id)
	}

	forward := mutation.Update{Command: u.Command, Fields: append([]mutation.Field(nil), u.Fields...)}
	item := record.Action{
		Collection:      collection,
		DocumentID:      id,
		Kind:            record.KindUpdate,
		State:           record.StatePending,
		Instant:         o.instant,
		NoCheck:         o.noCheck,
		Forward:         &forward,
		Inverse:         inverse,
		ExplicitInverse: explicit,
		PriorTxnID:      base.StringField(b.e.cfg.TxnField),
		Context:         o.context,
	}
	if o.instant {
		if err := b.e.applyForward(ctx, t.id, &item); err != nil {
			return b.failInstant(ctx, t, &item, err)
		}
		item.State = record.StateDone
	}

	b.push(t, item)
	t.shadow[key] = shadowDoc{doc: after, present: true}
	return nil
}

func (b *Builder) removeLocked(ctx context.Context, t *openTxn, collection, id string, o actionOptions) error {
	soft := b.e.cfg.SoftDelete
	if o.soft != nil {
		soft = *o.soft
	}

	key := record.DocKey{Collection: collection, ID: id}
	prior, ok, err := b.view(ctx, t, key)
	if err != nil {
		return wrapError(ErrCodeRemove, t.id, err, "read %s/%s", collection, id)
	}
	if !ok {
		return newError(ErrCodeRemove, t.id, "document %s/%s not found", collection, id)
	}

	if err := b.check(ctx, t, o, CheckRequest{
		Kind:       record.KindRemove,
		Collection: collection,
		DocumentID: id,
		Document:   prior,
	}); err != nil {
		return err
	}

	base, err := b.inverseBase(ctx, t, key, prior, o)
	if err != nil {
		return wrapError(ErrCodeRemove, t.id, err, "read %s/%s", collection, id)
	}

	item := record.Action{
		Collection: collection,
		DocumentID: id,
		Kind:       record.KindRemove,
		State:      record.StatePending,
		Instant:    o.instant,
		NoCheck:    o.noCheck,
		Hard:       !soft,
		PriorTxnID: base.StringField(b.e.cfg.TxnField),
		Context:    o.context,
	}

	next := shadowDoc{}
	if soft {
		forward := b.e.tombstone()
		inverse, err := b.e.calc.Resolve(base, forward, o.inverse)
		if err != nil {
			return wrapError(ErrCodeRemove, t.id, err, "invert soft delete of %s/%s", collection, id)
		}
		after, err := mutation.Apply(prior, forward, b.e.txnOverlay(t.id))
		if err != nil {
			return wrapError(ErrCodeRemove, t.id, err, "soft delete %s/%s", collection, id)
		}
		item.Forward = &forward
		item.Inverse = inverse
		item.ExplicitInverse = len(o.inverse) > 0
		next = shadowDoc{doc: after, present: true}
	} else {
		item.Document = base.Clone()
	}

	if o.instant {
		if err := b.e.applyForward(ctx, t.id, &item); err != nil {
			return b.failInstant(ctx, t, &item, err)
		}
		item.State = record.StateDone
	}

	b.push(t, item)
	t.shadow[key] = next
	return nil
}

// view returns a document as the open transaction sees it.
func (b *Builder) view(ctx context.Context, t *openTxn, key record.DocKey) (doc.Object, bool, error) {
	if s, ok := t.shadow[key]; ok {
		return s.doc, s.present, nil
	}
	return b.e.find(ctx, key)
}

// inverseBase is the document an inverse is computed against. Instant
// actions use the store copy, since that is what they actually overwrite;
// queued actions use the transaction's view and are recomputed at commit.
func (b *Builder) inverseBase(ctx context.Context, t *openTxn, key record.DocKey, prior doc.Object, o actionOptions) (doc.Object, error) {
	if !o.instant {
		return prior, nil
	}
	current, ok, err := b.e.find(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return prior, nil
	}
	return current, nil
}

// check runs the permission predicate. A denial cancels the transaction.
func (b *Builder) check(ctx context.Context, t *openTxn, o actionOptions, req CheckRequest) error {
	if o.noCheck {
		return nil
	}
	req.Identity = t.owner
	if b.e.permission.Allow(ctx, req) {
		return nil
	}
	b.e.logger.Warn("permission denied, cancelling transaction",
		"transaction_id", t.id,
		"kind", req.Kind,
		"collection", req.Collection,
		"document_id", req.DocumentID,
	)
	b.cancelLocked(ctx, t, ReasonPermissionDenied)
	return newError(ErrCodePermissionDenied, t.id, "%s on %s/%s denied", req.Kind, req.Collection, req.DocumentID)
}

// failInstant reverts the instant actions applied so far after an instant
// action failed.
func (b *Builder) failInstant(ctx context.Context, t *openTxn, item *record.Action, cause error) error {
	code, reason := kindError(item.Kind)
	b.e.logger.Error("instant action failed, rolling back",
		"transaction_id", t.id,
		"collection", item.Collection,
		"document_id", item.DocumentID,
		"kind", item.Kind,
		"error", cause,
	)
	b.cancelLocked(ctx, t, reason)
	return wrapError(code, t.id, cause, "instant %s of %s/%s failed, transaction rolled back",
		item.Kind, item.Collection, item.DocumentID)
}

// cancelLocked reverts instant actions and refuses further writes until
// Commit or Cancel.
func (b *Builder) cancelLocked(ctx context.Context, t *openTxn, reason Reason) {
	if t.cancelled != nil {
		return
	}
	b.rollbackInstant(ctx, t)
	t.cancelled = cancelledError(t.id, reason)
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (b *Builder) rollbackInstant(ctx context.Context, t *openTxn) {
	rec := t.record()
	b.e.rollbackApplied(ctx, rec)
	t.items = rec.Items
}

func (b *Builder) push(t *openTxn, item record.Action) {
	t.items = append(t.items, item)
	if len(item.Context) > 0 {
		if t.context == nil {
			t.context = doc.Object{}
		}
		for k, v := range item.Context {
			t.context[k] = doc.Clone(v)
		}
	}
	b.touchWatchdog(t)
}

// Commit executes the open transaction.
//
// A nested Commit only closes one nesting level and returns a Deferred
// result. An empty transaction is discarded without being persisted. In
// every other case the Builder is clean afterwards, whatever the outcome.
func (b *Builder) Commit(ctx context.Context, opts ...CommitOption) (*CommitResult, error) {
	var co commitOptions
	for _, opt := range opts {
		opt(&co)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open == nil {
		if c := b.lastCancel; c != nil {
			b.lastCancel = nil
			return nil, c
		}
		return nil, newError(ErrCodeNoTransactionOpen, co.id, "no transaction open")
	}
	if co.id != "" && co.id != b.open.id {
		return nil, newError(ErrCodeMultipleTransactionsOpen, b.open.id,
			"commit for %s while %s is open", co.id, b.open.id)
	}
	return b.commitLocked(ctx)
}

func (b *Builder) commitLocked(ctx context.Context) (*CommitResult, error) {
	t := b.open
	if t.nesting > 0 {
		t.nesting--
		return &CommitResult{TransactionID: t.id, Deferred: true}, nil
	}

	b.resetLocked()
	if t.cancelled != nil {
		return nil, t.cancelled
	}
	if len(t.items) == 0 {
		b.e.logger.Debug("empty transaction discarded", "transaction_id", t.id)
		return &CommitResult{TransactionID: t.id, Empty: true}, nil
	}
	return b.exec.Process(ctx, t.record())
}

// Cancel reverts instant actions and discards the open transaction.
func (b *Builder) Cancel(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.open
	if t == nil {
		return newError(ErrCodeNoTransactionOpen, "", "no transaction open")
	}
	b.cancelLocked(ctx, t, ReasonCancelled)
	b.resetLocked()
	b.e.logger.Info("transaction cancelled", "transaction_id", t.id)
	return nil
}

func (b *Builder) resetLocked() {
	if t := b.open; t != nil && t.timer != nil {
		t.timer.Stop()
	}
	b.open = nil
}

func (b *Builder) armWatchdog(t *openTxn) {
	if d := b.e.cfg.IdleTimeout; d > 0 {
		t.timer = time.AfterFunc(d, func() { b.expire(t) })
	}
}

func (b *Builder) touchWatchdog(t *openTxn) {
	if t.timer != nil {
		t.timer.Reset(b.e.cfg.IdleTimeout)
	}
}

// expire force-rolls back an abandoned transaction. The next Commit reports
// the cancellation.
func (b *Builder) expire(t *openTxn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open != t {
		return
	}
	b.e.logger.Warn("transaction idle, rolling back", "transaction_id", t.id, "timeout", b.e.cfg.IdleTimeout)
	b.cancelLocked(context.Background(), t, ReasonIdleTimeout)
	b.open = nil
	b.lastCancel = t.cancelled
}

func (t *openTxn) record() *record.Transaction {
	return &record.Transaction{
		ID:          t.id,
		Owner:       t.owner,
		Description: t.description,
		Context:     t.context,
		Items:       t.items,
		State:       record.StatePending,
	}
}
