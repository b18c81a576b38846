package export

import (
	"fmt"
	"path/filepath"
	"strings"

	apperrors "github.com/kimhsiao/today/backend/internal/errors"
)

// Format is a snapshot encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts json, yaml or yml. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", apperrors.New(apperrors.ErrUnsupportedFormat, fmt.Sprintf("unsupported format %q", s))
	}
}

// FileKind describes how a snapshot file is stored on disk.
type FileKind struct {
	Format     Format
	Compressed bool
}

// KindFromPath infers the format from a file name such as today.json,
// backup.yaml or backup.json.gz.
func KindFromPath(path string) (FileKind, error) {
	name := strings.ToLower(filepath.Base(path))
	var kind FileKind
	if strings.HasSuffix(name, ".gz") {
		kind.Compressed = true
		name = strings.TrimSuffix(name, ".gz")
	}
	switch filepath.Ext(name) {
	case ".json":
		kind.Format = FormatJSON
	case ".yaml", ".yml":
		kind.Format = FormatYAML
	default:
		return FileKind{}, apperrors.New(apperrors.ErrUnsupportedFormat, fmt.Sprintf("cannot infer snapshot format from %q", path))
	}
	return kind, nil
}

// Ext returns the file extension for the kind, including the dot.
func (k FileKind) Ext() string {
	ext := "." + string(k.Format)
	if k.Compressed {
		ext += ".gz"
	}
	return ext
}
