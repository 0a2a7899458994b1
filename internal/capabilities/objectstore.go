package capabilities

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// FilesystemObjectStore implements ObjectStore on the local filesystem for
// local/dev use, mirroring the artefact path conventions scripts rely on
// (reports/<timestamp>_<name>, diagrams/..., images/...). URLs are the
// route prefix followed by the file's path relative to baseDir, stable for
// the life of the file.
type FilesystemObjectStore struct {
	baseDir   string
	urlPrefix string
}

// NewFilesystemObjectStore creates a store rooted at baseDir; urlPrefix is
// prepended to the relative path returned by Put (e.g. "/artifacts").
func NewFilesystemObjectStore(baseDir, urlPrefix string) *FilesystemObjectStore {
	return &FilesystemObjectStore{baseDir: baseDir, urlPrefix: urlPrefix}
}

// Put writes data under a category directory inferred from contentType and
// returns the artefact's public-at-the-prefix URL.
func (s *FilesystemObjectStore) Put(ctx context.Context, data []byte, contentType, contentDisposition string, metadata map[string]string) (string, error) {
	category := categoryFor(contentType)
	name := metadata["original_filename"]
	if name == "" {
		name = randomName(contentType)
	}
	rel := filepath.Join(category, fmt.Sprintf("%s_%s", timestampForPath(), name))
	full := filepath.Join(s.baseDir, rel)

	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("creating artefact directory: %w", err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("writing artefact: %w", err)
	}
	return s.urlPrefix + "/" + filepath.ToSlash(rel), nil
}

func categoryFor(contentType string) string {
	switch contentType {
	case "text/html":
		return "reports"
	case "application/vnd.drawio", "application/xml+drawio":
		return "diagrams"
	case "image/png", "image/jpeg":
		return "images"
	default:
		return "artifacts"
	}
}

func randomName(contentType string) string {
	return uuid.NewString() + extensionFor(contentType)
}

func extensionFor(contentType string) string {
	switch contentType {
	case "text/html":
		return ".html"
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "application/vnd.drawio", "application/xml+drawio":
		return ".drawio"
	default:
		return ".bin"
	}
}

// timestampForPath is overridable in tests; production uses the compact
// ISO-8601 UTC form (20060102T150405Z), which is filesystem-safe.
var timestampForPath = func() string {
	return time.Now().UTC().Format("20060102T150405Z")
}
