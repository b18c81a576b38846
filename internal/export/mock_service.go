package export

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// MockExportService is an ExportServiceInterface for tests. Exports write a
// placeholder file; imports record the path.
type MockExportService struct {
	mu            sync.Mutex
	shouldSucceed bool
	exportDelay   time.Duration
	exportPaths   []string
	importPaths   []string
	importResult  *ImportResult
}

// NewMockExportService creates a mock that succeeds by default.
func NewMockExportService() *MockExportService {
	return &MockExportService{shouldSucceed: true}
}

// ExportFile writes a placeholder snapshot to path.
func (m *MockExportService) ExportFile(ctx context.Context, path string) (*ExportResult, error) {
	m.mu.Lock()
	delay := m.exportDelay
	ok := m.shouldSucceed
	m.exportPaths = append(m.exportPaths, path)
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, fmt.Errorf("mock export failed")
	}
	if err := os.WriteFile(path, []byte(`{"schema_version":1,"tasks":[],"time_entries":[]}`), 0o644); err != nil {
		return nil, fmt.Errorf("failed to create mock export file: %w", err)
	}
	return &ExportResult{FilePath: path, SizeBytes: 48, Checksum: "mock-checksum"}, nil
}

// ImportFile records path and returns the configured result.
func (m *MockExportService) ImportFile(ctx context.Context, path string) (*ImportResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importPaths = append(m.importPaths, path)
	if !m.shouldSucceed {
		return nil, fmt.Errorf("mock import failed")
	}
	if m.importResult != nil {
		res := *m.importResult
		return &res, nil
	}
	return &ImportResult{}, nil
}

// SetShouldSucceed controls whether calls fail.
func (m *MockExportService) SetShouldSucceed(shouldSucceed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldSucceed = shouldSucceed
}

// SetExportDelay sets a delay for export operations.
func (m *MockExportService) SetExportDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exportDelay = delay
}

// SetImportResult sets the result returned by ImportFile.
func (m *MockExportService) SetImportResult(res *ImportResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.importResult = res
}

// ExportCalls returns the number of ExportFile calls.
func (m *MockExportService) ExportCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exportPaths)
}

// ExportPaths returns the paths passed to ExportFile.
func (m *MockExportService) ExportPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.exportPaths...)
}

// ImportPaths returns the paths passed to ImportFile.
func (m *MockExportService) ImportPaths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.importPaths...)
}

// Reset clears recorded calls.
func (m *MockExportService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exportPaths = nil
	m.importPaths = nil
}

var _ ExportServiceInterface = (*MockExportService)(nil)
