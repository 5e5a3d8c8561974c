package txn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txlog/internal/doc"
	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/record"
)

// failingCommit queues an instant insert, a queued insert and a queued
// update that the store rejects, then commits.
func failingCommit(t *testing.T, f *fixture) (string, error) {
	t.Helper()
	ctx := context.Background()
	f.seed("posts", doc.NewObject("_id", "c", "n", 1))
	f.fail("posts", record.KindUpdate, "c")

	b := f.engine.NewBuilder()
	id, ok := b.Start(ctx, "doomed")
	require.True(t, ok)
	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"), Instant())
	require.NoError(t, err)
	_, err = b.Insert(ctx, "posts", doc.NewObject("_id", "b"))
	require.NoError(t, err)
	require.NoError(t, b.Update(ctx, "posts", "c", mutation.NewUpdate(mutation.Set, "n", 2)))

	_, err = b.Commit(ctx)
	assert.Nil(t, b.Current(), "builder is clean after a failed commit")
	return id, err
}

func TestProcess_FailureRollsBackEverything(t *testing.T) {
	f := newFixture(t, Config{})

	id, err := failingCommit(t, f)
	assert.Equal(t, ErrCodeCommitFailed, CodeOf(err))
	assert.ErrorIs(t, err, errInjected)

	assert.False(t, f.exists("posts", "a"), "instant insert reverted")
	assert.False(t, f.exists("posts", "b"), "queued insert reverted")
	assert.Equal(t, doc.NewObject("_id", "c", "n", 1), f.get("posts", "c"))

	rec := f.txn(id)
	assert.Equal(t, record.StateRolledBack, rec.State)
	assert.Equal(t, []record.State{
		record.StateRolledBack,
		record.StateRolledBack,
		record.StatePending,
	}, itemStates(rec))
}

func TestProcess_DeleteRolledBack(t *testing.T) {
	f := newFixture(t, Config{DeleteRolledBack: true})

	id, err := failingCommit(t, f)
	assert.Equal(t, ErrCodeCommitFailed, CodeOf(err))

	_, err = f.store.GetTransaction(context.Background(), id)
	assert.ErrorIs(t, err, record.ErrTransactionNotFound)
}

func TestProcess_Idempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	id, ok := b.Start(ctx, "once")
	require.True(t, ok)
	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"))
	require.NoError(t, err)
	_, err = b.Commit(ctx)
	require.NoError(t, err)

	before := f.txn(id)
	res, err := f.engine.Process(ctx, before)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, map[string][]string{"posts": {"a"}}, res.NewIDs)

	after := f.txn(id)
	assert.Equal(t, before.Seq, after.Seq, "duplicate process must not touch the log")
}

func TestProcess_DuplicateOfUndone(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.engine.NewBuilder().Insert(ctx, "posts", doc.NewObject("_id", "a"))
	require.NoError(t, err)
	out, err := f.engine.UndoLast(ctx, "")
	require.NoError(t, err)
	require.True(t, out.Applied)

	res, err := f.engine.Process(ctx, f.txn(out.TransactionID))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.False(t, f.exists("posts", "a"), "duplicate must not re-apply")
}

func TestProcess_DuplicateOfRolledBack(t *testing.T) {
	f := newFixture(t, Config{})

	id, err := failingCommit(t, f)
	require.Error(t, err)
	f.heal("posts", record.KindUpdate, "c")

	_, err = f.engine.Process(context.Background(), f.txn(id))
	assert.Equal(t, ErrCodeCommitFailed, CodeOf(err))
	assert.False(t, f.exists("posts", "b"))
}

func TestProcess_EmptyTransaction(t *testing.T) {
	f := newFixture(t, Config{})

	res, err := f.engine.Process(context.Background(), &record.Transaction{ID: "t-empty"})
	require.NoError(t, err)
	assert.True(t, res.Empty)
}

func TestProcess_CorrectsInverseForLaterInstantWrite(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed("posts", doc.NewObject("_id", "x", "a", "orig"))

	b := f.engine.NewBuilder()
	id, ok := b.Start(ctx, "queued then instant")
	require.True(t, ok)
	require.NoError(t, b.Update(ctx, "posts", "x", mutation.NewUpdate(mutation.Set, "a", "queued")))
	require.NoError(t, b.Update(ctx, "posts", "x", mutation.NewUpdate(mutation.Set, "a", "instant"), Instant()))
	_, err := b.Commit(ctx)
	require.NoError(t, err)

	assert.Equal(t, doc.String("queued"), f.get("posts", "x")["a"], "queued update runs last")

	rec := f.txn(id)
	assert.Equal(t, mutation.Of(mutation.NewUpdate(mutation.Set, "a", "orig")), rec.Items[0].Inverse)
	assert.Empty(t, rec.Items[0].PriorTxnID)

	out, err := f.engine.UndoLast(ctx, id)
	require.NoError(t, err)
	assert.True(t, out.Applied)
	assert.Equal(t, doc.NewObject("_id", "x", "a", "orig"), f.get("posts", "x"))
}

func TestProcess_SnapshotsHardDeleteAtCommit(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.seed("posts", doc.NewObject("_id", "x", "v", 1))

	b := f.engine.NewBuilder()
	id, ok := b.Start(ctx, "delete later")
	require.True(t, ok)
	require.NoError(t, b.Remove(ctx, "posts", "x", Hard()))

	f.poke("posts", "x", mutation.NewUpdate(mutation.Set, "v", 2))

	_, err := b.Commit(ctx)
	require.NoError(t, err)
	assert.False(t, f.exists("posts", "x"))
	assert.Equal(t, doc.Int(2), f.txn(id).Items[0].Document["v"])

	_, err = f.engine.UndoLast(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, doc.NewObject("_id", "x", "v", 2), f.get("posts", "x"))
}

func TestProcess_StampsMonotonicSeq(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	b := f.engine.NewBuilder()

	_, err := b.Insert(ctx, "posts", doc.NewObject("_id", "a"))
	require.NoError(t, err)
	_, err = b.Insert(ctx, "posts", doc.NewObject("_id", "b"))
	require.NoError(t, err)

	seq, err := f.store.MaxSeq(ctx)
	require.NoError(t, err)

	latest, err := f.store.LatestDone(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, seq, latest.Seq)
	assert.Equal(t, "b", latest.Items[0].DocumentID)
	assert.True(t, latest.LastModified.Before(f.clock.Peek()))
}
