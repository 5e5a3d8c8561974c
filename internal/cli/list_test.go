package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txlog/internal/record"
)

func TestListFilter(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	f, err := listFilter(&ListOptions{
		Owner:  "alice",
		States: []string{"done", "rolledBack"},
		Since:  time.Hour,
		Limit:  5,
	}, now)
	require.NoError(t, err)
	assert.Equal(t, record.Filter{
		Owner:  "alice",
		States: []record.State{record.StateDone, record.StateRolledBack},
		Since:  now.Add(-time.Hour),
		Limit:  5,
	}, f)

	f, err = listFilter(&ListOptions{}, now)
	require.NoError(t, err)
	assert.True(t, f.Since.IsZero())

	_, err = listFilter(&ListOptions{States: []string{"finished"}}, now)
	assert.ErrorContains(t, err, `unknown state "finished"`)

	_, err = listFilter(&ListOptions{Limit: -1}, now)
	assert.Error(t, err)
}

func TestList(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "list", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "insert posts")
	assert.Contains(t, out, "update posts")
	assert.Contains(t, out, "2 transaction(s)")

	out, err = execute(t, "list", "--db", db, "--format", "json", "--limit", "1")
	require.NoError(t, err)
	resp := decodeResponse(t, out)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), data["total"])
	rows := data["transactions"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "t-1", rows[0].(map[string]any)["id"], "oldest first")

	out, err = execute(t, "list", "--db", db, "--state", "undone")
	require.NoError(t, err)
	assert.Contains(t, out, "No transactions found.")
}

func TestList_InvalidState(t *testing.T) {
	_, err := execute(t, "list", "--db", seedDB(t), "--state", "finished")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
