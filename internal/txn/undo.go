package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/record"
)

// direction describes one of the two replays.
type direction struct {
	replay           Replay
	from, to         record.State // transaction state
	itemFrom, itemTo record.State // item state
	reverse          bool
}

var (
	undoDirection = direction{
		replay:   ReplayUndo,
		from:     record.StateDone,
		to:       record.StateUndone,
		itemFrom: record.StateDone,
		itemTo:   record.StateUndone,
		reverse:  true,
	}
	redoDirection = direction{
		replay:   ReplayRedo,
		from:     record.StateUndone,
		to:       record.StateDone,
		itemFrom: record.StateUndone,
		itemTo:   record.StateDone,
	}
)

// UndoLast undoes the transaction with the given id, or the caller's most
// recent done transaction when id is empty.
//
// Items replay in reverse order. When no transaction is eligible the
// Outcome has Applied=false and the error is nil, so undoing twice is
// harmless. When another transaction has changed a target document since,
// nothing is written, the transaction is flagged expired and an EXPIRED
// error is returned.
func (e *Engine) UndoLast(ctx context.Context, id string) (*Outcome, error) {
	return e.replay(ctx, id, undoDirection)
}

// RedoLast re-applies the transaction with the given id, or the caller's
// most recently undone transaction when id is empty. Items replay in
// original order. See UndoLast for the outcome semantics.
func (e *Engine) RedoLast(ctx context.Context, id string) (*Outcome, error) {
	return e.replay(ctx, id, redoDirection)
}

func (e *Engine) replay(ctx context.Context, id string, dir direction) (*Outcome, error) {
	owner, err := e.caller(ctx)
	if err != nil {
		return nil, err
	}

	t, err := e.replayTarget(ctx, id, owner, dir)
	if err != nil {
		return nil, err
	}
	if t == nil {
		e.logger.Debug("nothing to replay", "replay", dir.replay, "transaction_id", id, "owner", owner)
		return &Outcome{TransactionID: id}, nil
	}

	order := replayOrder(t, dir)

	if err := e.checkReplayPermission(ctx, t, order, dir, owner); err != nil {
		return nil, err
	}

	skip, stale, err := e.validateReplay(ctx, t, order, dir)
	if err != nil {
		return nil, err
	}
	if stale != nil {
		t.Expired = true
		if err := e.log.SaveTransaction(ctx, t); err != nil {
			return nil, wrapError(ErrCodeExpired, t.ID, err, "persist expired flag")
		}
		e.logger.Warn("replay refused, transaction expired",
			"replay", dir.replay, "transaction_id", t.ID, "reason", stale)
		return nil, wrapError(ErrCodeExpired, t.ID, stale, "%s refused", dir.replay)
	}

	failed := 0
	for _, i := range order {
		item := &t.Items[i]
		if !skip[i] {
			var err error
			if dir.reverse {
				err = e.applyInverse(ctx, t.ID, item)
			} else {
				err = e.applyForward(ctx, t.ID, item)
			}
			if err != nil {
				failed++
				e.logger.Error("replay action failed, leaving it unmarked",
					"replay", dir.replay,
					"transaction_id", t.ID,
					"index", i,
					"collection", item.Collection,
					"document_id", item.DocumentID,
					"kind", item.Kind,
					"error", err,
				)
				continue
			}
		}
		item.State = dir.itemTo
	}

	t.State = dir.to
	t.Expired = false
	if dir.reverse {
		now := e.wall.Now()
		t.UndoneAt = &now
	}
	e.stamp(t)
	if err := e.log.SaveTransaction(ctx, t); err != nil {
		return nil, fmt.Errorf("save transaction %s after %s: %w", t.ID, dir.replay, err)
	}
	e.logger.Info("transaction replayed", "replay", dir.replay, "transaction_id", t.ID, "failed_actions", failed)

	return &Outcome{TransactionID: t.ID, Applied: true, Failed: failed}, nil
}

// replayTarget loads the named transaction, or the latest eligible one.
// It returns nil when nothing is eligible.
func (e *Engine) replayTarget(ctx context.Context, id, owner string, dir direction) (*record.Transaction, error) {
	if id == "" {
		var (
			t   *record.Transaction
			err error
		)
		if dir.reverse {
			t, err = e.log.LatestDone(ctx, owner)
		} else {
			t, err = e.log.LatestUndone(ctx, owner)
		}
		if err != nil {
			return nil, fmt.Errorf("find latest transaction: %w", err)
		}
		return t, nil
	}

	t, err := e.log.GetTransaction(ctx, id)
	if errors.Is(err, record.ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read transaction: %w", err)
	}
	if t.State != dir.from {
		return nil, nil
	}
	if e.cfg.RequireIdentity && t.Owner != owner {
		return nil, newError(ErrCodePermissionDenied, t.ID, "transaction belongs to another owner")
	}
	return t, nil
}

// replayOrder lists the indexes of items to replay, in replay order.
func replayOrder(t *record.Transaction, dir direction) []int {
	var order []int
	for i, item := range t.Items {
		if item.State == dir.itemFrom {
			order = append(order, i)
		}
	}
	if dir.reverse {
		for l, r := 0, len(order)-1; l < r; l, r = l+1, r-1 {
			order[l], order[r] = order[r], order[l]
		}
	}
	return order
}

// checkReplayPermission re-checks every document the replay touches, with
// the document's updates recombined in replay order.
func (e *Engine) checkReplayPermission(ctx context.Context, t *record.Transaction, order []int, dir direction, owner string) error {
	type group struct {
		kind     record.Kind
		first    int
		mutation mutation.Mutation
		checked  bool
	}
	groups := make(map[record.DocKey]*group)
	var keys []record.DocKey

	for _, i := range order {
		item := t.Items[i]
		key := item.Key()
		g, ok := groups[key]
		if !ok {
			g = &group{kind: item.Kind, first: i}
			groups[key] = g
			keys = append(keys, key)
		}
		if i < g.first {
			g.kind, g.first = item.Kind, i
		}
		if !item.NoCheck {
			g.checked = true
		}
		switch {
		case dir.reverse && item.Forward != nil:
			g.mutation = g.mutation.Then(item.Inverse...)
		case !dir.reverse && item.Forward != nil:
			g.mutation = g.mutation.Then(*item.Forward)
		}
	}

	for _, key := range keys {
		g := groups[key]
		if !g.checked {
			continue
		}
		current, _, err := e.find(ctx, key)
		if err != nil {
			return fmt.Errorf("read %s/%s: %w", key.Collection, key.ID, err)
		}
		req := CheckRequest{
			Kind:       g.kind,
			Collection: key.Collection,
			DocumentID: key.ID,
			Document:   current,
			Mutation:   g.mutation,
			Identity:   owner,
			Replay:     dir.replay,
		}
		if !e.permission.Allow(ctx, req) {
			e.logger.Warn("replay permission denied",
				"replay", dir.replay, "transaction_id", t.ID,
				"collection", key.Collection, "document_id", key.ID)
			return newError(ErrCodePermissionDenied, t.ID, "%s of %s/%s denied", dir.replay, key.Collection, key.ID)
		}
	}
	return nil
}

// presence is the simulated state of one document during validation.
type presence struct {
	present bool
	txn     string
}

// validateReplay walks the items in replay order, simulating document
// presence and transaction ids, and reports the first conflict. The first
// time a document is seen its stored state must match what this
// transaction left behind; later steps only need the simulated presence to
// line up. skip marks redo inserts that are already in place and redo hard
// deletes whose document is already gone.
func (e *Engine) validateReplay(ctx context.Context, t *record.Transaction, order []int, dir direction) (skip map[int]bool, stale, err error) {
	skip = make(map[int]bool)
	sim := make(map[record.DocKey]*presence)

	for _, i := range order {
		item := t.Items[i]
		key := item.Key()

		p, first := sim[key], false
		if p == nil {
			current, ok, err := e.find(ctx, key)
			if err != nil {
				return nil, nil, fmt.Errorf("read %s/%s: %w", key.Collection, key.ID, err)
			}
			p = &presence{present: ok, txn: current.StringField(e.cfg.TxnField)}
			sim[key] = p
			first = true
		}

		var conflict error
		if dir.reverse {
			conflict = e.validateUndoStep(t.ID, item, p, first)
		} else {
			skip[i], conflict = e.validateRedoStep(t.ID, item, p, first)
		}
		if conflict != nil {
			return nil, fmt.Errorf("%s/%s: %w", key.Collection, key.ID, conflict), nil
		}
	}
	return skip, nil, nil
}

func (e *Engine) validateUndoStep(txnID string, item record.Action, p *presence, first bool) error {
	hard := item.Kind == record.KindRemove && item.Hard

	switch {
	case hard:
		if p.present {
			return fmt.Errorf("deleted document exists again (transaction %q)", p.txn)
		}
		p.present, p.txn = true, item.PriorTxnID
		return nil
	case !p.present:
		return errors.New("document is missing")
	// Any later write counts, even to other fields: undo restores the txn
	// field to PriorTxnID and would untag the later transaction.
	case first && p.txn != txnID:
		return fmt.Errorf("document was changed by transaction %q", p.txn)
	}

	if item.Kind == record.KindInsert {
		p.present, p.txn = false, ""
	} else {
		p.txn = item.PriorTxnID
	}
	return nil
}

func (e *Engine) validateRedoStep(txnID string, item record.Action, p *presence, first bool) (bool, error) {
	switch {
	case item.Kind == record.KindInsert:
		if p.present {
			if first && p.txn == txnID {
				return true, nil
			}
			return false, fmt.Errorf("document already exists (transaction %q)", p.txn)
		}
		p.present, p.txn = true, txnID
		return false, nil

	case item.Kind == record.KindRemove && item.Hard:
		if !p.present {
			if first {
				return true, nil
			}
			return false, errors.New("document is missing")
		}
		if first && p.txn != item.PriorTxnID {
			return false, fmt.Errorf("document was changed by transaction %q", p.txn)
		}
		p.present, p.txn = false, ""
		return false, nil

	default:
		if !p.present {
			return false, errors.New("document is missing")
		}
		if first && p.txn != item.PriorTxnID {
			return false, fmt.Errorf("document was changed by transaction %q", p.txn)
		}
		p.txn = txnID
		return false, nil
	}
}
