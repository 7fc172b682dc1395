// Package content abstracts over where accepted chunk bytes actually land.
// The state store tracks a FileRecord's Path; a content.Target turns that
// path into append/truncate/read operations against a concrete backend —
// local disk for the default backend, S3 for
// object-storage deployments.
package content

import (
	"context"
	"errors"
	"io"
)

// ErrNotExist is returned when an operation addresses a path that has no
// backing content yet.
var ErrNotExist = errors.New("content: path does not exist")

// Target is the minimal surface the async chunk processor needs: create an
// empty target, append to its current end, read an arbitrary byte range
// (for CRC reconciliation), find its current length, truncate it back, and
// delete it outright on cancel.
type Target interface {
	// Create creates an empty target at path if none exists. Safe to call
	// again on an existing target; its content is left as is.
	Create(ctx context.Context, path string) error

	// Append writes data to the end of the target and returns the new
	// total length.
	Append(ctx context.Context, path string, data []byte) (int64, error)

	// ReadRange returns the bytes in [offset, offset+length). The caller
	// must Close the returned reader.
	ReadRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error)

	// Size returns the current length of the target.
	Size(ctx context.Context, path string) (int64, error)

	// Flush commits everything appended so far so it is durable and
	// visible to ReadRange/Size, without closing the target off from
	// further appends. The chunk processor calls this once a chunk's CRC
	// has verified, before advancing crcedBytes.
	Flush(ctx context.Context, path string) error

	// Truncate shrinks the target to exactly newLength bytes.
	Truncate(ctx context.Context, path string, newLength int64) error

	// Delete removes the target and any backend-side upload state for it.
	Delete(ctx context.Context, path string) error
}
