// Package artifacts stores and serves the on-disk result files produced by
// the executor. Requests only ever carry a path/URI to an artifact; this
// package is the only place that touches the underlying storage medium.
package artifacts

import (
	"context"
	"io"
)

// Store is the storage medium for result artifacts: local filesystem or S3.
// Grounded on the Driver interface shape of core/backend/kss, simplified to
// the operations this domain actually needs (output dir, stat, read, URI) — the
// signed-URL HTTP route kss.Driver exposes belongs to a companion-blob
// feature this service has no use for, since downloads are authorized by
// request ownership rather than a bearer URL.
type Store interface {
	// Dir returns the directory under which a request's output files are
	// written, creating it if necessary: STORE_PATH/<request_id>/.
	Dir(ctx context.Context, requestID int64) (string, error)
	// Stat returns the size in bytes of the artifact at path.
	Stat(ctx context.Context, path string) (int64, error)
	// Open returns a reader for the artifact at path, for streaming downloads.
	Open(ctx context.Context, path string) (io.ReadCloser, error)
	// URI returns the download URI recorded on the Download row for path.
	URI(ctx context.Context, path string) (string, error)
}
