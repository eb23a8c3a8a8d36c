package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// Filesystem stores artifacts under a root directory (STORE_PATH),
// namespaced by request id, matching the original service's on-disk layout.
type Filesystem struct {
	root string
}

// NewFilesystem returns a Store rooted at root, creating it if necessary.
func NewFilesystem(root string) (*Filesystem, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create store root: %w", err)
	}
	return &Filesystem{root: root}, nil
}

// Dir implements Store.
func (f *Filesystem) Dir(_ context.Context, requestID int64) (string, error) {
	dir := filepath.Join(f.root, strconv.FormatInt(requestID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifacts: create request dir: %w", err)
	}
	return dir, nil
}

// Stat implements Store.
func (f *Filesystem) Stat(_ context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Open implements Store.
func (f *Filesystem) Open(_ context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// URI implements Store. For the local driver the URI is the path itself
// with a file:// prefix; the gateway's GET /download route is the only
// supported access path.
func (f *Filesystem) URI(_ context.Context, path string) (string, error) {
	return "file://" + path, nil
}
