package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txlog/internal/store"
)

func TestUndoRedo_Latest(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "undo", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ undo t-2")

	out, err = execute(t, "undo", "--db", db, "--format", "json")
	require.NoError(t, err)
	resp := decodeResponse(t, out)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{
		"op":             "undo",
		"transaction_id": "t-1",
		"applied":        true,
		"failed":         float64(0),
	}, resp.Data)

	out, err = execute(t, "undo", "--db", db)
	require.NoError(t, err, "undo with nothing left is harmless")
	assert.Contains(t, out, "Nothing to undo.")

	out, err = execute(t, "redo", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ redo t-1")

	out, err = execute(t, "show", "t-1", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "State:         done")
	assert.Contains(t, out, "Undone at:")
}

func TestUndo_Expired(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "undo", "t-1", "--db", db, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "EXPIRED")

	resp := decodeResponse(t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "EXPIRED", resp.Error.Code)

	out, err = execute(t, "list", "--db", db, "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"expired": true`)
}

func TestUndo_IdentityMismatch(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "undo", "--db", db, "--as", "mallory")
	require.NoError(t, err)
	assert.Contains(t, out, "Nothing to undo.", "owner matching is exact")
}

func TestUndo_TooManyArgs(t *testing.T) {
	_, err := execute(t, "undo", "a", "b")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts at most 1 arg")
}

func TestUndo_GuardDropsRedelivery(t *testing.T) {
	db := seedDB(t)
	mr := miniredis.RunT(t)

	cfgPath := filepath.Join(t.TempDir(), "txlog.yaml")
	cfg := fmt.Sprintf("database: %s\nredis_url: redis://%s\n", db, mr.Addr())
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))

	seq := func() int64 {
		st, err := store.Open(db)
		require.NoError(t, err)
		defer st.Close()
		tx, err := st.GetTransaction(context.Background(), "t-2")
		require.NoError(t, err)
		return tx.Seq
	}

	before := seq()
	_, err := execute(t, "undo", "t-2", "--config", cfgPath)
	require.NoError(t, err)
	assert.True(t, mr.Exists(fmt.Sprintf("txlog:undo:t-2:%d", before)))

	_, err = execute(t, "redo", "t-2", "--config", cfgPath)
	require.NoError(t, err)

	out, err := execute(t, "undo", "t-2", "--config", cfgPath)
	require.NoError(t, err, "undo after redo is a new request")
	assert.Contains(t, out, "✓ undo t-2")

	_, err = execute(t, "redo", "t-2", "--config", cfgPath)
	require.NoError(t, err)

	// Another delivery of an undo already claimed against this version.
	require.NoError(t, mr.Set(fmt.Sprintf("txlog:undo:t-2:%d", seq()), "in flight"))
	out, err = execute(t, "undo", "t-2", "--config", cfgPath, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	resp := decodeResponse(t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_DUPLICATE_DELIVERY", resp.Error.Code)
}

func TestUndo_GuardReleasesNoop(t *testing.T) {
	db := seedDB(t)
	mr := miniredis.RunT(t)

	cfgPath := filepath.Join(t.TempDir(), "txlog.yaml")
	cfg := fmt.Sprintf("database: %s\nredis_url: redis://%s\n", db, mr.Addr())
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))

	// t-1 is done, so redo has nothing to apply.
	for i := 0; i < 2; i++ {
		out, err := execute(t, "redo", "t-1", "--config", cfgPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Nothing to redo.")
	}
	assert.Empty(t, mr.Keys())
}

func TestUndo_GuardUnreachable(t *testing.T) {
	db := seedDB(t)

	// Nothing listens on port 1.
	cfgPath := filepath.Join(t.TempDir(), "txlog.yaml")
	cfg := fmt.Sprintf("database: %s\nredis_url: redis://127.0.0.1:1\n", db)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))

	_, err := execute(t, "undo", "--config", cfgPath)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to connect to redis")
}
