// Package localfs implements content.Target directly against the local
// filesystem: "path" is an absolute
// on-disk path where bytes accumulate.
package localfs

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/chunkstream/chunkstream/pkg/content"
)

// Target stores chunk content as ordinary files on disk.
type Target struct{}

// New returns a local filesystem content.Target.
func New() *Target {
	return &Target{}
}

// Create creates an empty file at path if none exists; an existing file
// keeps its content.
func (t *Target) Create(ctx context.Context, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("localfs: create %s: %w", path, err)
	}
	return f.Close()
}

// Append opens path for appending, writes data, fsyncs, and returns the
// new length.
func (t *Target) Append(ctx context.Context, path string, data []byte) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("localfs: open %s for append: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return 0, fmt.Errorf("localfs: append to %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("localfs: fsync %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("localfs: stat %s after append: %w", path, err)
	}
	return info.Size(), nil
}

// ReadRange opens path and returns a reader bounded to [offset,
// offset+length).
func (t *Target) ReadRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, content.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: open %s: %w", path, err)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("localfs: seek %s: %w", path, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{Reader: io.LimitReader(f, length), Closer: f}, nil
}

// Size returns the on-disk length of path.
func (t *Target) Size(ctx context.Context, path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, content.ErrNotExist
	}
	if err != nil {
		return 0, fmt.Errorf("localfs: stat %s: %w", path, err)
	}
	return info.Size(), nil
}

// Truncate shrinks path to newLength bytes.
func (t *Target) Truncate(ctx context.Context, path string, newLength int64) error {
	if err := os.Truncate(path, newLength); err != nil {
		if os.IsNotExist(err) {
			return content.ErrNotExist
		}
		return fmt.Errorf("localfs: truncate %s: %w", path, err)
	}
	return nil
}

// Flush is a no-op: Append already fsyncs every write, so path is always
// durable by the time it returns.
func (t *Target) Flush(ctx context.Context, path string) error {
	return nil
}

// Delete removes path.
func (t *Target) Delete(ctx context.Context, path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localfs: delete %s: %w", path, err)
	}
	return nil
}

var _ content.Target = (*Target)(nil)
