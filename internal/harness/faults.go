package harness

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/record"
	"github.com/roach88/txlog/internal/txn"
)

// ErrInjected is returned by store writes a fail step switched off.
var ErrInjected = errors.New("injected store failure")

type faultKey struct {
	collection string
	kind       record.Kind
	id         string
}

type faults struct {
	mu sync.Mutex
	m  map[faultKey]bool
}

func newFaults() *faults {
	return &faults{m: make(map[faultKey]bool)}
}

func (f *faults) set(k faultKey, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[k] = on
}

func (f *faults) hit(k faultKey) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m[k]
}

// faultyCollection fails the writes registered in faults and passes
// everything else to the store.
type faultyCollection struct {
	inner  txn.Collection
	name   string
	faults *faults
}

func (c faultyCollection) Insert(ctx context.Context, d doc.Object) (string, error) {
	if c.faults.hit(faultKey{c.name, record.KindInsert, d.ID()}) {
		return "", ErrInjected
	}
	return c.inner.Insert(ctx, d)
}

func (c faultyCollection) Update(ctx context.Context, sel doc.Selector, updates ...mutation.Update) (int64, error) {
	if c.faults.hit(faultKey{c.name, record.KindUpdate, sel.ID}) {
		return 0, ErrInjected
	}
	return c.inner.Update(ctx, sel, updates...)
}

func (c faultyCollection) Remove(ctx context.Context, sel doc.Selector) (int64, error) {
	if c.faults.hit(faultKey{c.name, record.KindRemove, sel.ID}) {
		return 0, ErrInjected
	}
	return c.inner.Remove(ctx, sel)
}

func (c faultyCollection) FindOne(ctx context.Context, sel doc.Selector) (doc.Object, bool, error) {
	return c.inner.FindOne(ctx, sel)
}

// denyRules refuses every permission request matching one of its rules.
type denyRules []Rule

func (d denyRules) Allow(_ context.Context, req txn.CheckRequest) bool {
	for _, r := range d {
		if r.matches(req) {
			return false
		}
	}
	return true
}

func (r Rule) matches(req txn.CheckRequest) bool {
	if r.Collection != "" && r.Collection != req.Collection {
		return false
	}
	if r.Kind != "" && record.Kind(r.Kind) != req.Kind {
		return false
	}
	if r.ID != "" && r.ID != req.DocumentID {
		return false
	}
	if r.Replay != "" && txn.Replay(r.Replay) != req.Replay {
		return false
	}
	return true
}
