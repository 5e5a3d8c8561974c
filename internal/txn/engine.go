package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/record"
)

// Engine is the authoritative executor: it commits, undoes, redoes and
// recovers transactions against a Log and a Registry of collections.
//
// Thread-safety: Engine holds no per-transaction state and may be shared.
// Transactions are not isolated from each other; conflicts are detected
// when undoing or redoing.
type Engine struct {
	log        Log
	registry   Registry
	cfg        Config
	calc       *mutation.Calculator
	identity   Identity
	permission Permission
	ids        IDGenerator
	seq        *Clock
	wall       WallClock
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig sets the engine configuration. Unset fields take defaults.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		e.cfg = cfg.withDefaults()
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithCalculator sets the inverse calculator, for per-command overrides.
func WithCalculator(c *mutation.Calculator) Option {
	return func(e *Engine) {
		e.calc = c
	}
}

// WithIdentity sets the identity collaborator. Default: ContextIdentity.
func WithIdentity(id Identity) Option {
	return func(e *Engine) {
		e.identity = id
	}
}

// WithPermission sets the permission predicate. Default: AllowAll.
func WithPermission(p Permission) Option {
	return func(e *Engine) {
		e.permission = p
	}
}

// WithIDGenerator sets the transaction and document id generator.
// Default: UUIDv7Generator.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) {
		e.ids = g
	}
}

// WithClock sets the logical clock, e.g. NewClockAt(maxSeq) after restart.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.seq = c
	}
}

// WithWallClock sets the timestamp source. Default: SystemClock.
func WithWallClock(w WallClock) Option {
	return func(e *Engine) {
		e.wall = w
	}
}

// New creates an Engine over the given transaction log and collections.
func New(log Log, registry Registry, opts ...Option) *Engine {
	e := &Engine{
		log:        log,
		registry:   registry,
		cfg:        DefaultConfig(),
		calc:       mutation.NewCalculator(),
		identity:   ContextIdentity{},
		permission: AllowAll,
		ids:        UUIDv7Generator{},
		seq:        NewClock(),
		wall:       SystemClock{},
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Calculator returns the inverse calculator.
func (e *Engine) Calculator() *mutation.Calculator {
	return e.calc
}

// stamp records a state transition.
func (e *Engine) stamp(t *record.Transaction) {
	t.LastModified = e.wall.Now()
	t.Seq = e.seq.Next()
}

// caller returns the current identity, enforcing Config.RequireIdentity.
func (e *Engine) caller(ctx context.Context) (string, error) {
	id, ok := e.identity.CurrentIdentity(ctx)
	if !ok && e.cfg.RequireIdentity {
		return "", newError(ErrCodePermissionDenied, "", "identity required")
	}
	return id, nil
}

func (e *Engine) collection(name string) (Collection, error) {
	c, err := e.registry.Collection(name)
	if err != nil {
		return nil, fmt.Errorf("resolve collection: %w", err)
	}
	return c, nil
}

func (e *Engine) find(ctx context.Context, key record.DocKey) (doc.Object, bool, error) {
	c, err := e.collection(key.Collection)
	if err != nil {
		return nil, false, err
	}
	return c.FindOne(ctx, doc.ByID(key.ID))
}

// txnOverlay tags a write with the transaction id.
func (e *Engine) txnOverlay(txnID string) mutation.Update {
	return mutation.Update{
		Command: mutation.Set,
		Fields:  []mutation.Field{{Key: e.cfg.TxnField, Value: doc.String(txnID)}},
	}
}

// txnRestore writes back the transaction id a document carried before an
// action, or removes the field if it carried none.
func (e *Engine) txnRestore(prior string) mutation.Update {
	if prior == "" {
		return mutation.Update{
			Command: mutation.Unset,
			Fields:  []mutation.Field{{Key: e.cfg.TxnField, Value: doc.String("")}},
		}
	}
	return e.txnOverlay(prior)
}

// tombstone builds the soft-delete forward update.
func (e *Engine) tombstone() mutation.Update {
	return mutation.Update{
		Command: mutation.Set,
		Fields:  []mutation.Field{{Key: e.cfg.TombstoneField, Value: doc.Bool(true)}},
	}
}

// errNoMatch reports a guarded write that matched no document.
var errNoMatch = errors.New("no matching document")

// applyForward performs an item's forward action tagged with txnID.
func (e *Engine) applyForward(ctx context.Context, txnID string, item *record.Action) error {
	c, err := e.collection(item.Collection)
	if err != nil {
		return err
	}

	switch {
	case item.Kind == record.KindInsert:
		d := item.Document.Clone()
		d[doc.IDField] = doc.String(item.DocumentID)
		d[e.cfg.TxnField] = doc.String(txnID)
		_, err := c.Insert(ctx, d)
		return err

	case item.Kind == record.KindRemove && item.Hard:
		n, err := c.Remove(ctx, doc.ByID(item.DocumentID))
		return countErr(n, err)

	default:
		if item.Forward == nil {
			return fmt.Errorf("%s action on %s/%s has no forward update", item.Kind, item.Collection, item.DocumentID)
		}
		n, err := c.Update(ctx, doc.ByID(item.DocumentID), *item.Forward, e.txnOverlay(txnID))
		return countErr(n, err)
	}
}

// applyInverse reverts an item's forward action. Inserted documents are
// only removed while they still carry txnID.
func (e *Engine) applyInverse(ctx context.Context, txnID string, item *record.Action) error {
	c, err := e.collection(item.Collection)
	if err != nil {
		return err
	}

	switch {
	case item.Kind == record.KindInsert:
		sel := doc.ByID(item.DocumentID).Where(e.cfg.TxnField, doc.String(txnID))
		n, err := c.Remove(ctx, sel)
		return countErr(n, err)

	case item.Kind == record.KindRemove && item.Hard:
		if item.Document == nil {
			return fmt.Errorf("hard delete of %s/%s has no snapshot", item.Collection, item.DocumentID)
		}
		_, err := c.Insert(ctx, item.Document.Clone())
		return err

	default:
		updates := append(item.Inverse.Then(), e.txnRestore(item.PriorTxnID))
		n, err := c.Update(ctx, doc.ByID(item.DocumentID), updates...)
		return countErr(n, err)
	}
}

func countErr(n int64, err error) error {
	if err != nil {
		return err
	}
	if n == 0 {
		return errNoMatch
	}
	return nil
}

// rollbackApplied reverts every done item in reverse order. Failures are
// logged and skipped; the return value counts them.
func (e *Engine) rollbackApplied(ctx context.Context, t *record.Transaction) int {
	failed := 0
	for i := len(t.Items) - 1; i >= 0; i-- {
		item := &t.Items[i]
		if item.State != record.StateDone {
			continue
		}
		if err := e.applyInverse(ctx, t.ID, item); err != nil {
			failed++
			e.logger.Error("rollback action failed",
				"transaction_id", t.ID,
				"index", i,
				"collection", item.Collection,
				"document_id", item.DocumentID,
				"kind", item.Kind,
				"instant", item.Instant,
				"inverse", item.Inverse,
				"error", err,
			)
			continue
		}
		item.State = record.StateRolledBack
	}
	if failed > 0 {
		e.logger.Warn("rollback incomplete, store may be inconsistent; manual inspection required",
			"transaction_id", t.ID,
			"failed_actions", failed,
		)
	}
	return failed
}

// finishRolledBack records the rolledBack state, or deletes the record when
// configured to.
func (e *Engine) finishRolledBack(ctx context.Context, t *record.Transaction) error {
	t.State = record.StateRolledBack
	e.stamp(t)
	if e.cfg.DeleteRolledBack {
		return e.log.DeleteTransaction(ctx, t.ID)
	}
	return e.log.SaveTransaction(ctx, t)
}
