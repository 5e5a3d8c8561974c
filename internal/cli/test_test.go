package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const insertScenario = `name: insert_then_undo
description: An undone insert leaves nothing behind.
flow:
  - op: insert
    collection: posts
    document: { _id: a, title: hello }
  - op: undo
    expect:
      applied: true
assertions:
  - type: absent
    collection: posts
    id: a
  - type: transaction
    transaction: id-1
    state: undone
`

const brokenScenario = `name: wrong_document
flow:
  - op: insert
    collection: posts
    document: { _id: a, title: hello }
assertions:
  - type: document
    collection: posts
    id: a
    expect: { title: goodbye }
`

func writeScenarioFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestTestCommand_MissingArg(t *testing.T) {
	_, err := execute(t, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg")
}

func TestTestCommand_MissingDir(t *testing.T) {
	_, err := execute(t, "test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommand_EmptyDir(t *testing.T) {
	out, err := execute(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommand_PassWithoutGolden(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "insert_then_undo.yaml", insertScenario)

	out, err := execute(t, "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ insert_then_undo")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}

func TestTestCommand_UpdateThenMatch(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "insert_then_undo.yaml", insertScenario)

	out, err := execute(t, "test", dir, "--update")
	require.NoError(t, err)
	assert.Contains(t, out, "(golden updated)")

	goldenPath := filepath.Join(dir, "golden", "insert_then_undo.golden")
	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name": "insert_then_undo"`)

	out, err = execute(t, "test", dir, "--format", "json")
	require.NoError(t, err)
	data := decodeResponse(t, out).Data.(map[string]any)
	scenarios := data["scenarios"].([]any)
	require.Len(t, scenarios, 1)
	assert.Equal(t, "match", scenarios[0].(map[string]any)["golden"])

	// A stale golden file fails the run.
	require.NoError(t, os.WriteFile(goldenPath, []byte("{}\n"), 0644))
	out, err = execute(t, "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommand_FailingAssertion(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "wrong_document.yaml", brokenScenario)
	writeScenarioFile(t, dir, "insert_then_undo.yaml", insertScenario)

	out, err := execute(t, "test", dir, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "1 scenario(s) failed")

	data := decodeResponse(t, out).Data.(map[string]any)
	assert.Equal(t, float64(1), data["passed"])
	assert.Equal(t, float64(1), data["failed"])
	assert.Equal(t, float64(2), data["total"])
}

func TestTestCommand_Filter(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "wrong_document.yaml", brokenScenario)
	writeScenarioFile(t, dir, "insert_then_undo.yaml", insertScenario)

	out, err := execute(t, "test", dir, "--filter", "insert_*")
	require.NoError(t, err)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
	assert.NotContains(t, out, "wrong_document")
}

func TestTestCommand_UnloadableScenario(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "bad.yaml", "name: bad\nflow: []\nsurprise: true\n")

	out, err := execute(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ bad.yaml")
	assert.Contains(t, out, "failed to load scenario")
}

func TestTestCommand_HarnessTestdata(t *testing.T) {
	out, err := execute(t, "test", filepath.Join("..", "harness", "testdata"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ All scenarios passed")
}
