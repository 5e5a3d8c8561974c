package txn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/record"
	"github.com/roach88/txlog/internal/store"
	"github.com/roach88/txlog/internal/testutil"
)

var errInjected = errors.New("injected store failure")

// fixture wires an Engine to a temporary SQLite store with fault injection
// and a recording permission policy.
type fixture struct {
	t      *testing.T
	store  *store.Store
	engine *Engine
	clock  *testutil.DeterministicClock
	faults *faults
	policy *policy
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		t:      t,
		store:  testutil.OpenStore(t),
		clock:  testutil.NewDeterministicClock(),
		faults: &faults{m: make(map[faultKey]bool)},
		policy: &policy{},
	}

	registry := RegistryFunc(func(name string) (Collection, error) {
		return faultyCollection{inner: f.store.Collection(name), name: name, f: f.faults}, nil
	})

	base := []Option{
		WithConfig(cfg),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithWallClock(f.clock),
		WithIDGenerator(NewSequenceGenerator("id")),
		WithPermission(f.policy),
	}
	f.engine = New(f.store, registry, append(base, opts...)...)
	return f
}

// seed writes a document directly to the store, outside any transaction.
func (f *fixture) seed(collection string, d doc.Object) {
	f.t.Helper()
	_, err := f.store.Collection(collection).Insert(context.Background(), d)
	require.NoError(f.t, err)
}

// poke updates a document directly, as a writer outside the engine would.
func (f *fixture) poke(collection, id string, u ...mutation.Update) {
	f.t.Helper()
	n, err := f.store.Collection(collection).Update(context.Background(), doc.ByID(id), u...)
	require.NoError(f.t, err)
	require.Equal(f.t, int64(1), n)
}

func (f *fixture) get(collection, id string) doc.Object {
	f.t.Helper()
	d, ok, err := f.store.Collection(collection).FindOne(context.Background(), doc.ByID(id))
	require.NoError(f.t, err)
	require.True(f.t, ok, "document %s/%s should exist", collection, id)
	return d
}

func (f *fixture) exists(collection, id string) bool {
	f.t.Helper()
	_, ok, err := f.store.Collection(collection).FindOne(context.Background(), doc.ByID(id))
	require.NoError(f.t, err)
	return ok
}

func (f *fixture) txn(id string) *record.Transaction {
	f.t.Helper()
	t, err := f.store.GetTransaction(context.Background(), id)
	require.NoError(f.t, err)
	return t
}

func (f *fixture) fail(collection string, kind record.Kind, id string) {
	f.faults.set(faultKey{collection, kind, id}, true)
}

func (f *fixture) heal(collection string, kind record.Kind, id string) {
	f.faults.set(faultKey{collection, kind, id}, false)
}

func itemStates(t *record.Transaction) []record.State {
	states := make([]record.State, len(t.Items))
	for i, item := range t.Items {
		states[i] = item.State
	}
	return states
}

type faultKey struct {
	collection string
	kind       record.Kind
	id         string
}

type faults struct {
	mu sync.Mutex
	m  map[faultKey]bool
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

// faultyCollection fails writes registered in faults.
type faultyCollection struct {
	inner Collection
	name  string
	f     *faults
}

func (c faultyCollection) Insert(ctx context.Context, d doc.Object) (string, error) {
	if c.f.hit(faultKey{c.name, record.KindInsert, d.ID()}) {
		return "", errInjected
	}
	return c.inner.Insert(ctx, d)
}

func (c faultyCollection) Update(ctx context.Context, sel doc.Selector, updates ...mutation.Update) (int64, error) {
	if c.f.hit(faultKey{c.name, record.KindUpdate, sel.ID}) {
		return 0, errInjected
	}
	return c.inner.Update(ctx, sel, updates...)
}

func (c faultyCollection) Remove(ctx context.Context, sel doc.Selector) (int64, error) {
	if c.f.hit(faultKey{c.name, record.KindRemove, sel.ID}) {
		return 0, errInjected
	}
	return c.inner.Remove(ctx, sel)
}

func (c faultyCollection) FindOne(ctx context.Context, sel doc.Selector) (doc.Object, bool, error) {
	return c.inner.FindOne(ctx, sel)
}

// policy records every permission request and denies those matching deny.
type policy struct {
	mu       sync.Mutex
	deny     func(CheckRequest) bool
	requests []CheckRequest
}

func (p *policy) Allow(_ context.Context, req CheckRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.deny == nil || !p.deny(req)
}

func (p *policy) denyWhen(fn func(CheckRequest) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deny = fn
}

func (p *policy) replays(r Replay) []CheckRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []CheckRequest
	for _, req := range p.requests {
		if req.Replay == r {
			out = append(out, req)
		}
	}
	return out
}
