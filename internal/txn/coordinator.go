package txn

import (
	"context"
	"errors"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/record"
)

// Process commits a transaction built by a Builder:
//
//	phase 1: snapshot documents about to be hard deleted, persist as pending
//	phase 2: apply queued items in order, persisting each as done
//	phase 3: mark the transaction done
//
// A failure in phase 2 reverts every applied item (instant ones included)
// in reverse order and marks the transaction rolledBack.
//
// Process is idempotent: for a transaction already done (or since undone) it
// returns the original result with Duplicate set; for one already rolled
// back or still pending it returns COMMIT_FAILED. Neither touches the store.
func (e *Engine) Process(ctx context.Context, in *record.Transaction) (*CommitResult, error) {
	existing, err := e.log.GetTransaction(ctx, in.ID)
	switch {
	case err == nil:
		return e.duplicateResult(existing)
	case !errors.Is(err, record.ErrTransactionNotFound):
		return nil, wrapError(ErrCodeCommitFailed, in.ID, err, "read transaction log")
	}

	if len(in.Items) == 0 {
		return &CommitResult{TransactionID: in.ID, Empty: true}, nil
	}

	t := in.Clone()
	t.State = record.StatePending

	// Phase 1
	if err := e.snapshotHardDeletes(ctx, t); err != nil {
		return nil, e.abort(ctx, t, false, err, "snapshot documents")
	}
	e.stamp(t)
	if err := e.log.CreateTransaction(ctx, t); err != nil {
		return nil, e.abort(ctx, t, false, err, "persist pending transaction")
	}
	e.logger.Debug("transaction pending", "transaction_id", t.ID, "items", len(t.Items))

	// Phase 2
	if err := e.applyPending(ctx, t, false); err != nil {
		return nil, e.abort(ctx, t, true, err, "apply actions")
	}

	// Phase 3
	t.State = record.StateDone
	e.stamp(t)
	if err := e.log.SaveTransaction(ctx, t); err != nil {
		return nil, wrapError(ErrCodeCommitFailed, t.ID, err, "persist done state")
	}
	e.logger.Info("transaction committed", "transaction_id", t.ID, "owner", t.Owner, "items", len(t.Items))

	return &CommitResult{TransactionID: t.ID, NewIDs: t.NewIDs()}, nil
}

func (e *Engine) duplicateResult(t *record.Transaction) (*CommitResult, error) {
	switch t.State {
	case record.StateDone, record.StateUndone:
		e.logger.Debug("duplicate process ignored", "transaction_id", t.ID, "state", t.State)
		return &CommitResult{TransactionID: t.ID, NewIDs: t.NewIDs(), Duplicate: true}, nil
	default:
		return nil, newError(ErrCodeCommitFailed, t.ID, "transaction already processed with state %s", t.State)
	}
}

// abort reverts applied items and finishes the transaction as rolledBack.
// persisted reports whether the pending record exists in the log.
func (e *Engine) abort(ctx context.Context, t *record.Transaction, persisted bool, cause error, stage string) error {
	e.logger.Error("commit failed, rolling back", "transaction_id", t.ID, "stage", stage, "error", cause)

	e.rollbackApplied(ctx, t)
	if persisted {
		if err := e.finishRolledBack(ctx, t); err != nil {
			e.logger.Error("persist rolled back state failed", "transaction_id", t.ID, "error", err)
		}
	} else {
		t.State = record.StateRolledBack
	}
	return wrapError(ErrCodeCommitFailed, t.ID, cause, "%s", stage)
}

// snapshotHardDeletes replaces the queue-time snapshot of every queued hard
// delete with the document as the store has it now. Instant hard deletes
// already snapshotted the store copy.
func (e *Engine) snapshotHardDeletes(ctx context.Context, t *record.Transaction) error {
	for i := range t.Items {
		item := &t.Items[i]
		if item.Kind != record.KindRemove || !item.Hard || item.State != record.StatePending {
			continue
		}
		current, ok, err := e.find(ctx, item.Key())
		if err != nil {
			return err
		}
		if ok {
			item.Document = current
			item.PriorTxnID = current.StringField(e.cfg.TxnField)
		}
	}
	return nil
}

// applyPending runs phase 2 over items still pending. In recovery mode an
// insert already present with this transaction id, or a hard delete whose
// document is already gone, counts as applied.
func (e *Engine) applyPending(ctx context.Context, t *record.Transaction, recovering bool) error {
	cache := e.instantWrites(t)

	for i := range t.Items {
		item := &t.Items[i]
		if item.State != record.StatePending {
			continue
		}

		if recovering {
			applied, err := e.alreadyApplied(ctx, t.ID, item)
			if err != nil {
				return err
			}
			if applied {
				item.State = record.StateDone
				if err := e.log.SaveTransaction(ctx, t); err != nil {
					return err
				}
				continue
			}
		}

		// A recovered record keeps the inverse persisted before the crash:
		// the store may already hold this item's write.
		if item.Forward != nil && !recovering {
			if err := e.refreshInverse(ctx, item, i, cache); err != nil {
				return err
			}
			// Corrections are durable before the write they describe.
			if err := e.log.SaveTransaction(ctx, t); err != nil {
				return err
			}
		}

		if err := e.applyForward(ctx, t.ID, item); err != nil {
			e.logger.Error("apply action failed",
				"transaction_id", t.ID,
				"index", i,
				"collection", item.Collection,
				"document_id", item.DocumentID,
				"kind", item.Kind,
				"error", err,
			)
			return err
		}
		item.State = record.StateDone
		if err := e.log.SaveTransaction(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) alreadyApplied(ctx context.Context, txnID string, item *record.Action) (bool, error) {
	switch {
	case item.Kind == record.KindInsert:
		current, ok, err := e.find(ctx, item.Key())
		if err != nil {
			return false, err
		}
		return ok && current.StringField(e.cfg.TxnField) == txnID, nil
	case item.Kind == record.KindRemove && item.Hard:
		_, ok, err := e.find(ctx, item.Key())
		return !ok, err
	default:
		return false, nil
	}
}

// refreshInverse recomputes a queued update's inverse from the document as
// the store has it now, then corrects fields that a later instant item
// already overwrote. Explicit inverses are kept as given.
func (e *Engine) refreshInverse(ctx context.Context, item *record.Action, index int, cache writeCache) error {
	current, ok, err := e.find(ctx, item.Key())
	if err != nil {
		return err
	}
	if !ok {
		return errNoMatch
	}
	key := item.Key()

	item.PriorTxnID = current.StringField(e.cfg.TxnField)
	if w, ok := cache.firstAfter(key, e.cfg.TxnField, index); ok {
		item.PriorTxnID = ""
		if w.existed {
			item.PriorTxnID = string(w.value.(doc.String))
		}
	}

	if item.ExplicitInverse {
		return nil
	}
	inverse, err := e.calc.Inverse(current, *item.Forward)
	if err != nil {
		return err
	}
	if item.Forward.Command.RestoresValue() {
		for _, field := range item.Forward.Keys() {
			if w, ok := cache.firstAfter(key, field, index); ok {
				inverse = inverse.Restore(field, w.value, w.existed)
			}
		}
	}
	item.Inverse = inverse
	return nil
}

// priorWrite is the value a field had before an instant item wrote it.
type priorWrite struct {
	index   int
	value   doc.Value
	existed bool
}

// writeCache records, per document and field, the prior values of instant
// writes in item order.
type writeCache map[record.DocKey]map[string][]priorWrite

// instantWrites builds the cache from applied instant updates and soft
// deletes. Array commands and explicit inverses do not restore a value and
// are left out.
func (e *Engine) instantWrites(t *record.Transaction) writeCache {
	cache := make(writeCache)
	add := func(key record.DocKey, field string, w priorWrite) {
		if cache[key] == nil {
			cache[key] = make(map[string][]priorWrite)
		}
		cache[key][field] = append(cache[key][field], w)
	}

	for i, item := range t.Items {
		if !item.Instant || item.State != record.StateDone || item.Forward == nil {
			continue
		}
		key := item.Key()
		add(key, e.cfg.TxnField, priorWrite{
			index:   i,
			value:   doc.String(item.PriorTxnID),
			existed: item.PriorTxnID != "",
		})
		if item.ExplicitInverse || !item.Forward.Command.RestoresValue() {
			continue
		}
		for _, field := range item.Forward.Keys() {
			v, existed := restoredValue(item.Inverse, field)
			add(key, field, priorWrite{index: i, value: v, existed: existed})
		}
	}
	return cache
}

// firstAfter returns the earliest instant write to field after index.
func (c writeCache) firstAfter(key record.DocKey, field string, index int) (priorWrite, bool) {
	for _, w := range c[key][field] {
		if w.index > index {
			return w, true
		}
	}
	return priorWrite{}, false
}

// restoredValue reads what a value-restoring inverse sets field back to.
func restoredValue(inverse mutation.Mutation, field string) (doc.Value, bool) {
	for _, u := range inverse {
		if u.Command != mutation.Set {
			continue
		}
		if v, ok := u.Get(field); ok {
			return v, true
		}
	}
	return nil, false
}
