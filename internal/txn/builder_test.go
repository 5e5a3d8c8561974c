package txn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/record"
)

func TestBuilder_InstantInsertThenQueuedUpdate(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	id, ok := b.Start(ctx, "create foo")
	require.True(t, ok)

	_, err := b.Insert(ctx, "foos", doc.NewObject("_id", "foo", "state", "initial"), Instant())
	require.NoError(t, err)
	assert.Equal(t, doc.String("initial"), f.get("foos", "foo")["state"], "instant insert is visible before commit")

	require.NoError(t, b.Update(ctx, "foos", "foo", mutation.NewUpdate(mutation.Set, "state", "final")))
	assert.Equal(t, doc.String("initial"), f.get("foos", "foo")["state"], "queued update waits for commit")

	res, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, res.TransactionID)
	assert.Equal(t, map[string][]string{"foos": {"foo"}}, res.NewIDs)

	got := f.get("foos", "foo")
	assert.Equal(t, doc.String("final"), got["state"])
	assert.Equal(t, doc.String(id), got[DefaultTxnField])

	rec := f.txn(id)
	assert.Equal(t, record.StateDone, rec.State)
	assert.Equal(t, []record.State{record.StateDone, record.StateDone}, itemStates(rec))
	assert.Equal(t, "create foo", rec.Description)
	assert.Nil(t, b.Current())
}

func TestBuilder_QueuedActionsInvisibleUntilCommit(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	_, ok := b.Start(ctx, "two posts")
	require.True(t, ok)
	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"))
	require.NoError(t, err)
	_, err = b.Insert(ctx, "posts", doc.NewObject("_id", "b"))
	require.NoError(t, err)

	assert.False(t, f.exists("posts", "a"))
	assert.False(t, f.exists("posts", "b"))

	_, err = b.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, f.exists("posts", "a"))
	assert.True(t, f.exists("posts", "b"))
}

func TestBuilder_InsertGeneratesID(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	txnID, ok := b.Start(ctx, "generated")
	require.True(t, ok)
	id, err := b.Insert(ctx, "posts", doc.NewObject("title", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "id-1", txnID)
	assert.Equal(t, "id-2", id)

	res, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"id-2"}, res.NewIDs["posts"])
	assert.Equal(t, doc.String("hello"), f.get("posts", id)["title"])
}

func TestBuilder_NestedStartDefersCommit(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	outer, ok := b.Start(ctx, "outer")
	require.True(t, ok)

	inner, ok := b.Start(ctx, "inner")
	assert.False(t, ok)
	assert.Empty(t, inner)

	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"))
	require.NoError(t, err)

	res, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, res.Deferred)
	assert.False(t, f.exists("posts", "a"), "inner commit must not execute")
	require.NotNil(t, b.Current())
	assert.Equal(t, outer, b.Current().ID)

	res, err = b.Commit(ctx)
	require.NoError(t, err)
	assert.False(t, res.Deferred)
	assert.Equal(t, outer, res.TransactionID)
	assert.True(t, f.exists("posts", "a"))
	assert.Nil(t, b.Current())
}

func TestBuilder_AutoTransaction(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	id, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a", "title", "solo"))
	require.NoError(t, err)
	assert.Equal(t, "a", id)
	assert.True(t, f.exists("posts", "a"))
	assert.Nil(t, b.Current())

	rec, err := f.store.LatestDone(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "insert posts", rec.Description)
	assert.Len(t, rec.Items, 1)
}

func TestBuilder_AutoTransactionRejectedLeavesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	err := b.Update(ctx, "posts", "missing", mutation.NewUpdate(mutation.Set, "a", 1))
	assert.Equal(t, ErrCodeUpdate, CodeOf(err))
	assert.Nil(t, b.Current())

	rec, err := f.store.LatestDone(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestBuilder_CommitWithoutStart(t *testing.T) {
	f := newFixture(t, Config{})

	_, err := f.engine.NewBuilder().Commit(context.Background())
	assert.Equal(t, ErrCodeNoTransactionOpen, CodeOf(err))
}

func TestBuilder_CommitWrongTransactionID(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	id, ok := b.Start(ctx, "mine")
	require.True(t, ok)
	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"))
	require.NoError(t, err)

	_, err = b.Commit(ctx, WithTransactionID("someone-else"))
	assert.Equal(t, ErrCodeMultipleTransactionsOpen, CodeOf(err))
	assert.NotNil(t, b.Current(), "mismatched commit leaves the transaction open")

	res, err := b.Commit(ctx, WithTransactionID(id))
	require.NoError(t, err)
	assert.Equal(t, id, res.TransactionID)
}

func TestBuilder_EmptyCommitIsDiscarded(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	id, ok := b.Start(ctx, "nothing")
	require.True(t, ok)

	res, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, res.Empty)

	_, err = f.store.GetTransaction(ctx, id)
	assert.ErrorIs(t, err, record.ErrTransactionNotFound)
}

func TestBuilder_PermissionDeniedCancels(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed("locked", doc.NewObject("_id", "x", "n", 1))
	f.policy.denyWhen(func(req CheckRequest) bool { return req.Collection == "locked" })

	b := f.engine.NewBuilder()
	id, ok := b.Start(ctx, "denied")
	require.True(t, ok)

	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"), Instant())
	require.NoError(t, err)
	require.True(t, f.exists("posts", "a"))

	err = b.Update(ctx, "locked", "x", mutation.NewUpdate(mutation.Set, "n", 2))
	assert.True(t, IsPermissionDenied(err))
	assert.False(t, f.exists("posts", "a"), "instant insert is rolled back")

	_, err = b.Insert(ctx, "posts", doc.NewObject("_id", "b"))
	assert.True(t, IsCancelled(err))

	_, err = b.Commit(ctx)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, ReasonPermissionDenied, ReasonOf(err))
	assert.Nil(t, b.Current())

	_, err = f.store.GetTransaction(ctx, id)
	assert.ErrorIs(t, err, record.ErrTransactionNotFound)
	assert.Equal(t, doc.Int(1), f.get("locked", "x")["n"])
}

func TestBuilder_NoCheckBypassesPermission(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.policy.denyWhen(func(CheckRequest) bool { return true })

	b := f.engine.NewBuilder()
	_, ok := b.Start(ctx, "system write")
	require.True(t, ok)
	_, err := b.Insert(ctx, "audit", doc.NewObject("_id", "a"), NoCheck())
	require.NoError(t, err)
	_, err = b.Commit(ctx)
	require.NoError(t, err)

	assert.True(t, f.exists("audit", "a"))
	assert.Empty(t, f.policy.requests)
}

func TestBuilder_PermissionSeesTransactionView(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed("posts", doc.NewObject("_id", "x", "n", 1))

	b := f.engine.NewBuilder()
	_, ok := b.Start(ctx, "view")
	require.True(t, ok)
	require.NoError(t, b.Update(ctx, "posts", "x", mutation.NewUpdate(mutation.Set, "n", 2)))
	require.NoError(t, b.Update(ctx, "posts", "x", mutation.NewUpdate(mutation.Set, "n", 3)))

	require.Len(t, f.policy.requests, 2)
	second := f.policy.requests[1]
	assert.Equal(t, record.KindUpdate, second.Kind)
	assert.Equal(t, doc.Int(2), second.Document["n"], "second check sees the first queued update")
	assert.Equal(t, ReplayNone, second.Replay)
}

func TestBuilder_MissingTargetKeepsTransaction(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	_, ok := b.Start(ctx, "partial")
	require.True(t, ok)

	err := b.Update(ctx, "posts", "ghost", mutation.NewUpdate(mutation.Set, "a", 1))
	assert.Equal(t, ErrCodeUpdate, CodeOf(err))
	err = b.Remove(ctx, "posts", "ghost")
	assert.Equal(t, ErrCodeRemove, CodeOf(err))

	_, err = b.Insert(ctx, "posts", doc.NewObject("_id", "a"))
	require.NoError(t, err)
	_, err = b.Commit(ctx)
	require.NoError(t, err)
	assert.True(t, f.exists("posts", "a"))
}

func TestBuilder_UnsupportedCommandNeedsInverse(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed("posts", doc.NewObject("_id", "x", "a", 1))

	b := f.engine.NewBuilder()
	_, ok := b.Start(ctx, "rename")
	require.True(t, ok)

	rename := mutation.Update{Command: "$rename", Fields: []mutation.Field{{Key: "a", Value: doc.String("b")}}}
	err := b.Update(ctx, "posts", "x", rename)
	assert.Equal(t, ErrCodeUpdate, CodeOf(err))
	assert.ErrorIs(t, err, mutation.ErrUnsupportedCommand)

	require.NotNil(t, b.Current())
	assert.Empty(t, b.Current().Items)

	inverse := mutation.Update{Command: "$rename", Fields: []mutation.Field{{Key: "b", Value: doc.String("a")}}}
	require.NoError(t, b.Update(ctx, "posts", "x", rename, WithInverse(inverse)))

	cur := b.Current()
	require.Len(t, cur.Items, 1)
	assert.True(t, cur.Items[0].ExplicitInverse)
	assert.Equal(t, mutation.Of(inverse), cur.Items[0].Inverse)
	require.NoError(t, b.Cancel(ctx))
}

func TestBuilder_InstantFailureRollsBack(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed("posts", doc.NewObject("_id", "b", "n", 1))
	f.fail("posts", record.KindUpdate, "b")

	b := f.engine.NewBuilder()
	id, ok := b.Start(ctx, "instant failure")
	require.True(t, ok)

	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"), Instant())
	require.NoError(t, err)

	err = b.Update(ctx, "posts", "b", mutation.NewUpdate(mutation.Set, "n", 2), Instant())
	assert.Equal(t, ErrCodeUpdate, CodeOf(err))
	assert.ErrorIs(t, err, errInjected)
	assert.False(t, f.exists("posts", "a"))

	_, err = b.Commit(ctx)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, ReasonUpdateError, ReasonOf(err))

	_, err = f.store.GetTransaction(ctx, id)
	assert.ErrorIs(t, err, record.ErrTransactionNotFound)
}

func TestBuilder_CancelRevertsInstantActions(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed("posts", doc.NewObject("_id", "x", "n", 1))

	b := f.engine.NewBuilder()
	_, ok := b.Start(ctx, "cancel me")
	require.True(t, ok)
	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"), Instant())
	require.NoError(t, err)
	require.NoError(t, b.Update(ctx, "posts", "x", mutation.NewUpdate(mutation.Inc, "n", 5), Instant()))
	require.NoError(t, b.Remove(ctx, "posts", "x", Instant(), Hard()))
	require.False(t, f.exists("posts", "x"))

	require.NoError(t, b.Cancel(ctx))

	assert.False(t, f.exists("posts", "a"))
	assert.Equal(t, doc.NewObject("_id", "x", "n", 1), f.get("posts", "x"))
	assert.Nil(t, b.Current())

	_, err = b.Commit(ctx)
	assert.Equal(t, ErrCodeNoTransactionOpen, CodeOf(err))
	assert.Equal(t, ErrCodeNoTransactionOpen, CodeOf(b.Cancel(ctx)))
}

func TestBuilder_IdleTimeoutRollsBack(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	_, ok := b.Start(ctx, "abandoned")
	require.True(t, ok)
	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"), Instant())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return b.Current() == nil }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.exists("posts", "a"))

	_, err = b.Commit(ctx)
	assert.True(t, IsCancelled(err))
	assert.Equal(t, ReasonIdleTimeout, ReasonOf(err))

	_, err = b.Commit(ctx)
	assert.Equal(t, ErrCodeNoTransactionOpen, CodeOf(err))
}

func TestBuilder_RequireIdentity(t *testing.T) {
	f := newFixture(t, Config{RequireIdentity: true})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	id, ok := b.Start(ctx, "anonymous")
	assert.False(t, ok)
	assert.Empty(t, id)

	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"))
	assert.True(t, IsPermissionDenied(err))

	alice := WithPrincipal(ctx, "alice")
	id, ok = b.Start(alice, "owned")
	require.True(t, ok)
	_, err = b.Insert(alice, "posts", doc.NewObject("_id", "a"))
	require.NoError(t, err)
	_, err = b.Commit(alice)
	require.NoError(t, err)

	assert.Equal(t, "alice", f.txn(id).Owner)
	require.NotEmpty(t, f.policy.requests)
	assert.Equal(t, "alice", f.policy.requests[0].Identity)
}

func TestBuilder_ContextIsMerged(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	id, ok := b.Start(ctx, "with context")
	require.True(t, ok)
	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"), WithContext(doc.NewObject("source", "api")))
	require.NoError(t, err)
	_, err = b.Insert(ctx, "posts", doc.NewObject("_id", "b"), WithContext(doc.NewObject("batch", 7)))
	require.NoError(t, err)
	_, err = b.Commit(ctx)
	require.NoError(t, err)

	rec := f.txn(id)
	assert.Equal(t, doc.NewObject("source", "api", "batch", 7), rec.Context)
	assert.Equal(t, doc.NewObject("source", "api"), rec.Items[0].Context)
}

func TestBuilder_SoftDelete(t *testing.T) {
	f := newFixture(t, Config{SoftDelete: true})
	ctx := context.Background()
	f.seed("posts", doc.NewObject("_id", "x", "title", "keep"))

	b := f.engine.NewBuilder()
	id, ok := b.Start(ctx, "soft")
	require.True(t, ok)
	require.NoError(t, b.Remove(ctx, "posts", "x"))
	_, err := b.Commit(ctx)
	require.NoError(t, err)

	got := f.get("posts", "x")
	assert.Equal(t, doc.Bool(true), got[DefaultTombstoneField])
	assert.Equal(t, doc.String(id), got[DefaultTxnField])
	assert.False(t, f.txn(id).Items[0].Hard)

	out, err := f.engine.UndoLast(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, doc.NewObject("_id", "x", "title", "keep"), f.get("posts", "x"))
}

func TestBuilder_HardOptionOverridesSoftDefault(t *testing.T) {
	f := newFixture(t, Config{SoftDelete: true})
	ctx := context.Background()
	f.seed("posts", doc.NewObject("_id", "x"))

	b := f.engine.NewBuilder()
	_, ok := b.Start(ctx, "hard")
	require.True(t, ok)
	require.NoError(t, b.Remove(ctx, "posts", "x", Hard()))
	_, err := b.Commit(ctx)
	require.NoError(t, err)

	assert.False(t, f.exists("posts", "x"))
}

func TestBuilder_UsingExecutor(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	rec := &recordingExecutor{Executor: f.engine}
	b := f.engine.NewBuilder(UsingExecutor(rec))

	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.processed)
	assert.True(t, f.exists("posts", "a"))
}

type recordingExecutor struct {
	Executor
	processed int
}

func (r *recordingExecutor) Process(ctx context.Context, t *record.Transaction) (*CommitResult, error) {
	r.processed++
	return r.Executor.Process(ctx, t)
}
