package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/txlog/internal/mutation"
	"github.com/roach88/txlog/internal/txn"
)

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadScenario_ValidFile(t *testing.T) {
	path := writeScenario(t, t.TempDir(), "test.yaml", `
name: test_scenario
description: "Insert then undo"
principal: alice
config:
  soft_delete: true
  recovery: rollback
setup:
  - collection: posts
    document: { _id: x, n: 1 }
deny:
  - collection: secrets
    kind: insert
flow:
  - op: start
    description: publish
  - op: update
    collection: posts
    id: x
    command: $inc
    fields: { n: 2 }
    instant: true
    inverse:
      - command: $set
        fields: { n: 1 }
  - op: commit
    expect:
      error: COMMIT_FAILED
assertions:
  - type: trace_contains
    op: update
    args: { collection: posts }
  - type: transaction
    transaction: id-1
    items: [done]
`)

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "test_scenario", scenario.Name)
	assert.Equal(t, "alice", scenario.Principal)
	assert.True(t, scenario.Config.SoftDelete)
	require.Len(t, scenario.Setup, 1)
	assert.Equal(t, "posts", scenario.Setup[0].Collection)
	require.Len(t, scenario.Deny, 1)
	assert.Equal(t, "insert", scenario.Deny[0].Kind)

	require.Len(t, scenario.Flow, 3)
	step := scenario.Flow[1]
	assert.Equal(t, OpUpdate, step.Op)
	assert.Equal(t, "$inc", step.Command)
	assert.True(t, step.Instant)
	require.Len(t, step.Inverse, 1)
	assert.Equal(t, "$set", step.Inverse[0].Command)
	require.NotNil(t, scenario.Flow[2].Expect)
	assert.Equal(t, "COMMIT_FAILED", scenario.Flow[2].Expect.Error)

	require.Len(t, scenario.Assertions, 2)
	assert.Equal(t, []string{"done"}, scenario.Assertions[1].Items)

	cfg, err := scenario.Config.TxnConfig()
	require.NoError(t, err)
	assert.Equal(t, txn.RecoveryPolicy("rollback"), cfg.Recovery)
	assert.True(t, cfg.SoftDelete)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing name",
			content: `
description: d
flow: [{ op: start }]
assertions: [{ type: trace_count, op: start, count: 1 }]
`,
			wantErr: "name is required",
		},
		{
			name: "missing flow",
			content: `
name: n
description: d
assertions: [{ type: trace_count, op: start, count: 1 }]
`,
			wantErr: "flow list is required",
		},
		{
			name: "unknown field",
			content: `
name: n
description: d
flow: [{ op: start }]
assertion: [{ type: trace_count, op: start, count: 1 }]
`,
			wantErr: "failed to parse YAML",
		},
		{
			name: "unknown op",
			content: `
name: n
description: d
flow: [{ op: teleport }]
assertions: [{ type: trace_count, op: start, count: 1 }]
`,
			wantErr: `flow[0]: unknown op "teleport"`,
		},
		{
			name: "fail without kind",
			content: `
name: n
description: d
flow: [{ op: fail, collection: posts, id: x }]
assertions: [{ type: trace_count, op: fail, count: 1 }]
`,
			wantErr: "kind must be insert, update or remove",
		},
		{
			name: "update without fields",
			content: `
name: n
description: d
flow: [{ op: update, collection: posts, id: x, command: $set }]
assertions: [{ type: trace_count, op: update, count: 1 }]
`,
			wantErr: "command and fields are required for update",
		},
		{
			name: "bad delete mode",
			content: `
name: n
description: d
flow: [{ op: remove, collection: posts, id: x, delete: gentle }]
assertions: [{ type: trace_count, op: remove, count: 1 }]
`,
			wantErr: "delete must be soft or hard",
		},
		{
			name: "bad recovery policy",
			content: `
name: n
description: d
config: { recovery: pray }
flow: [{ op: recover }]
assertions: [{ type: trace_count, op: recover, count: 1 }]
`,
			wantErr: "config:",
		},
		{
			name: "transaction assertion without checks",
			content: `
name: n
description: d
flow: [{ op: start }]
assertions: [{ type: transaction, transaction: id-1 }]
`,
			wantErr: "one of state, items or expired is required",
		},
		{
			name: "unknown assertion",
			content: `
name: n
description: d
flow: [{ op: start }]
assertions: [{ type: vibes }]
`,
			wantErr: `unknown assertion type "vibes"`,
		},
		{
			name: "document assertion without expect",
			content: `
name: n
description: d
flow: [{ op: start }]
assertions: [{ type: document, collection: posts, id: x }]
`,
			wantErr: "expect is required for document",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeScenario(t, t.TempDir(), "bad.yaml", tt.content)
			_, err := LoadScenario(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFindScenarios(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0755))
	for _, name := range []string{"undo_basic.yaml", "redo_basic.yml", "nested/undo_nested.yaml", "notes.txt"} {
		writeScenario(t, dir, name, "name: x\n")
	}

	all, err := FindScenarios(dir, "")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "nested", "undo_nested.yaml"),
		filepath.Join(dir, "redo_basic.yml"),
		filepath.Join(dir, "undo_basic.yaml"),
	}, all)

	undo, err := FindScenarios(dir, "undo_*")
	require.NoError(t, err)
	assert.Len(t, undo, 2)

	_, err = FindScenarios(dir, "[")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}

func TestLoadScenario_Testdata(t *testing.T) {
	files, err := FindScenarios("testdata", "")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, file := range files {
		scenario, err := LoadScenario(file)
		require.NoError(t, err, file)

		base := filepath.Base(file)
		assert.Equal(t, base[:len(base)-len(filepath.Ext(base))], scenario.Name,
			"scenario name must match its file so golden paths line up")
	}
}

func TestUpdate_SortsFields(t *testing.T) {
	u, err := update("$set", map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)

	assert.Equal(t, mutation.Command("$set"), u.Command)
	require.Len(t, u.Fields, 2)
	assert.Equal(t, "a", u.Fields[0].Key)
	assert.Equal(t, "b", u.Fields[1].Key)
}
