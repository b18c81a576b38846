package export

import "context"

// ExportServiceInterface is the file-level contract used by the backup
// scheduler and the import drop folder.
type ExportServiceInterface interface {
	ExportFile(ctx context.Context, path string) (*ExportResult, error)
	ImportFile(ctx context.Context, path string) (*ImportResult, error)
}

var _ ExportServiceInterface = (*Service)(nil)
