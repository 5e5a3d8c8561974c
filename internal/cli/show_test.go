package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestShow_Text(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "show", "t-2", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Transaction t-2")
	assert.Contains(t, out, "Description:   update posts")
	assert.Contains(t, out, "[0] update posts/a  done")
	assert.Contains(t, out, "forward: $set {n: 2}")
	assert.Contains(t, out, "inverse: $set {n: 1}")
	assert.Contains(t, out, "prior transaction: t-1")
}

func TestShow_YAML(t *testing.T) {
	db := seedDB(t)

	out, err := execute(t, "show", "t-1", "--db", db, "--format", "yaml")
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &decoded))
	assert.Equal(t, "ok", decoded["status"])

	data := decoded["data"].(map[string]any)
	assert.Equal(t, "t-1", data["id"])
	assert.Equal(t, "done", data["state"])
	items := data["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "insert", items[0].(map[string]any)["kind"])
}

func TestShow_NotFound(t *testing.T) {
	out, err := execute(t, "show", "t-404", "--db", seedDB(t), "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decodeResponse(t, out)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_NOT_FOUND", resp.Error.Code)
}

func TestShow_MissingArg(t *testing.T) {
	_, err := execute(t, "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}
