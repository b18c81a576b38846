package importwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/today/backend/internal/export"
	"github.com/kimhsiao/today/backend/internal/telemetry"
)

func startWatcher(t *testing.T, dir string, svc *export.MockExportService, counter ...Counter) *Watcher {
	t.Helper()
	opts := Options{Settle: 20 * time.Millisecond}
	if len(counter) > 0 {
		opts.Counter = counter[0]
	}
	w := New(dir, svc, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, FailedDir))
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	return w
}

func TestWatcher_ImportsDroppedFiles(t *testing.T) {
	dir := t.TempDir()
	svc := export.NewMockExportService()
	w := startWatcher(t, dir, svc)

	// Give the watch a moment to be registered after the directories exist.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "backup.json"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	require.Eventually(t, func() bool { return w.Imported() == 1 }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{filepath.Join(dir, "backup.json")}, svc.ImportPaths())
	assert.FileExists(t, filepath.Join(dir, ProcessedDir, "backup.json"))
	assert.NoFileExists(t, filepath.Join(dir, "backup.json"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"), "unrelated files are left alone")
}

func TestWatcher_ImportsExistingFilesOnStart(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml.gz"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden.json"), []byte("{}"), 0o644))

	svc := export.NewMockExportService()
	w := startWatcher(t, dir, svc)

	require.Eventually(t, func() bool { return w.Imported() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.FileExists(t, filepath.Join(dir, ProcessedDir, "a.yaml.gz"))
	assert.FileExists(t, filepath.Join(dir, ".hidden.json"))
}

func TestWatcher_FailedImportsMoveAside(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("nope"), 0o644))

	svc := export.NewMockExportService()
	svc.SetShouldSucceed(false)
	rec := telemetry.NewRecorder()
	w := startWatcher(t, dir, svc, rec)

	require.Eventually(t, func() bool { return w.Failed() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, w.Imported())
	assert.Equal(t, int64(1), rec.Count("import.failed"))
	assert.Zero(t, rec.Count("import.files"))
	assert.FileExists(t, filepath.Join(dir, FailedDir, "bad.json"))
}

func TestWatcher_Accepts(t *testing.T) {
	w := New("/drop", export.NewMockExportService(), Options{})
	tests := []struct {
		path string
		want bool
	}{
		{"/drop/today.json", true},
		{"/drop/today.yml", true},
		{"/drop/today.json.gz", true},
		{"/drop/.today.json", false},
		{"/drop/today.json.tmp", false},
		{"/drop/today.csv", false},
		{"/drop/processed/today.json", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, w.accepts(tt.path), tt.path)
	}
}
