package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv points every command at a fresh data directory.
func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("TODAY_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("TODAY_LOG_LEVEL", "error")
	t.Setenv("TODAY_USER_ID", "")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func runJSON(t *testing.T, v interface{}, args ...string) {
	t.Helper()
	out, err := run(t, append(args, "--json")...)
	require.NoError(t, err, out)
	require.NoError(t, json.Unmarshal([]byte(out), v), out)
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, Version)
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestTaskLifecycle(t *testing.T) {
	setupEnv(t)

	var task map[string]interface{}
	runJSON(t, &task, "task", "add", "write", "report")
	id, _ := task["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "write report", task["text"])

	_, err := run(t, "task", "done", id)
	require.NoError(t, err)

	var items []map[string]interface{}
	runJSON(t, &items, "task", "list", "--done")
	require.Len(t, items, 1)
	assert.Equal(t, true, items[0]["done"])
	// Anonymous records never leave the device.
	assert.Equal(t, "synced", items[0]["sync_status"])

	_, err = run(t, "task", "rm", id)
	require.NoError(t, err)
	out, err := run(t, "task", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No tasks.")
}

func TestTimerAndEntries(t *testing.T) {
	setupEnv(t)

	var task map[string]interface{}
	runJSON(t, &task, "task", "add", "focus")
	id := task["id"].(string)

	out, err := run(t, "timer", "start", id)
	require.NoError(t, err)
	assert.Contains(t, out, `Timing "focus"`)

	_, err = run(t, "timer", "start", id)
	assert.Error(t, err, "second timer must be rejected")

	_, err = run(t, "timer", "stop")
	require.NoError(t, err)
	out, err = run(t, "timer", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "No timer running.")

	_, err = run(t, "entry", "add", "--name", "meeting", "--start", "2024-05-06T09:00:00Z", "--duration", "30m")
	require.NoError(t, err)

	var entries []map[string]interface{}
	runJSON(t, &entries, "entry", "list", "--from", "2024-05-06T00:00:00Z", "--to", "2024-05-07T00:00:00Z")
	require.Len(t, entries, 1)
	assert.Equal(t, "meeting", entries[0]["task_name"])
	assert.Equal(t, "2024-05-06T09:30:00Z", entries[0]["end_time"])
}

func TestSignedInChangesAreQueued(t *testing.T) {
	setupEnv(t)

	_, err := run(t, "--user", "u1", "task", "add", "sync me")
	require.NoError(t, err)

	out, err := run(t, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "INSERT")

	_, err = run(t, "queue", "clear")
	assert.Error(t, err, "clear without --force")

	out, err = run(t, "--user", "u1", "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "Pushed 1")

	out, err = run(t, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue is empty.")
}

func TestPullNeedsUser(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "pull")
	assert.Error(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	dir := setupEnv(t)

	_, err := run(t, "task", "add", "keep me")
	require.NoError(t, err)
	path := filepath.Join(dir, "snap.json")
	_, err = run(t, "export", path)
	require.NoError(t, err)
	require.FileExists(t, path)

	t.Setenv("TODAY_DATA_DIR", filepath.Join(dir, "other"))
	out, err := run(t, "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 1 records")

	var items []map[string]interface{}
	runJSON(t, &items, "task", "list")
	require.Len(t, items, 1)
	assert.Equal(t, "keep me", items[0]["text"])
}

func TestMigrateLegacy(t *testing.T) {
	dir := setupEnv(t)

	blob := filepath.Join(dir, "legacy.json")
	require.NoError(t, os.WriteFile(blob, []byte(`{
  "tasks": [{"id": "t-1", "text": "old task", "done": true, "createdAt": 1714982400000}],
  "timeEntries": [{"id": "e-1", "taskId": "t-1", "startTime": 1714982400000, "endTime": 1714986000000}]
}`), 0o644))

	out, err := run(t, "migrate-legacy", blob)
	require.NoError(t, err)
	assert.Contains(t, out, "Migrated 1 tasks and 1 time entries")

	out, err = run(t, "migrate-legacy", blob)
	require.NoError(t, err)
	assert.Contains(t, out, "already migrated")
}

func TestRemoteMigrateNeedsPostgres(t *testing.T) {
	setupEnv(t)
	_, err := run(t, "remote", "migrate")
	assert.Error(t, err)
}
