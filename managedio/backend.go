package managedio

import (
	"context"
	"io"
)

// Backend is the storage abstraction a Directory sits on top of. There are
// two implementations: localBackend (os.*) and s3Backend (aws-sdk-go-v2
// service/s3), so a dump or restore directory can live on local disk or in
// an S3 bucket without the rest of the package knowing which.
type Backend interface {
	// Create opens name for writing, truncating any existing content. The
	// returned writer must be closed to finalize the write.
	Create(ctx context.Context, name string) (io.WriteCloser, error)
	// OpenRead opens name for reading from the start.
	OpenRead(ctx context.Context, name string) (io.ReadCloser, error)
	// Stat reports whether name exists and its size in bytes.
	Stat(ctx context.Context, name string) (size int64, exists bool, err error)
	// Remove deletes name if present; removing a missing name is not an
	// error.
	Remove(ctx context.Context, name string) error
	// List returns every entry name directly under the backend's root
	// (flat, non-recursive), used by directory-discovery operations like
	// enumerating dump files for restore.
	List(ctx context.Context) ([]string, error)
}
