// Package state defines the durable mapping of file and client records that
// the rest of chunkstream builds on: fileId -> FileRecord, clientId -> the
// set of files that client owns. Three backends implement Store: an
// append-only journal on local disk (filestore), an embedded key-value
// store (badgerstore), and a relational store (pgstore).
package state

import (
	"context"
	"errors"
	"time"
)

// Errors returned by Store implementations. Callers type-assert with
// errors.Is; backends must map their own storage errors onto these.
var (
	// ErrNotFound is returned when a fileId has no record.
	ErrNotFound = errors.New("state: file record not found")

	// ErrNonMonotonic is returned when UpdateCrcedBytes or UpdateCompletion
	// is called with a value smaller than the current one outside of
	// RollbackTo.
	ErrNonMonotonic = errors.New("state: counter update would decrease a monotonic value")

	// ErrInvariant is returned when a write would violate
	// 0 <= crcedBytes <= completionInBytes <= originalSize.
	ErrInvariant = errors.New("state: update would violate record invariants")

	// ErrClosed is returned by any operation on a closed store.
	ErrClosed = errors.New("state: store is closed")
)

// FileRecord is the persistent per-file state described in the data model:
// identity, target path, and the two monotonic byte counters that track
// how much of the file is CRC-validated versus merely written.
type FileRecord struct {
	ID                string
	ClientID          string
	OriginalName      string
	OriginalSize      int64
	Path              string
	CrcedBytes        int64
	CompletionInBytes int64
	CreatedAt         time.Time
}

// Complete reports whether the file has received and validated every byte.
func (r FileRecord) Complete() bool {
	return r.CrcedBytes >= r.OriginalSize
}

// Progress returns completion percentage in [0, 100], based on crcedBytes
// over originalSize, as the orchestrator's getProgress reports it.
func (r FileRecord) Progress() float64 {
	if r.OriginalSize <= 0 {
		return 0
	}
	pct := 100 * float64(r.CrcedBytes) / float64(r.OriginalSize)
	if pct > 100 {
		return 100
	}
	return pct
}

// Store is the durable mapping of fileId -> FileRecord, with per-client
// grouping. Every mutation must be durable (fsynced, or acknowledged by
// the backing store) before the call returns successfully; callers rely on
// this to report success to upstream callers only once the record is safe
// against a restart.
type Store interface {
	// Create allocates a new FileRecord under clientID with counters at
	// zero, choosing a path under the store's content root.
	Create(ctx context.Context, clientID, name string, size int64) (FileRecord, error)

	// Get returns the current record for fileID, or ErrNotFound.
	Get(ctx context.Context, fileID string) (FileRecord, error)

	// ListByClient returns every record owned by clientID.
	ListByClient(ctx context.Context, clientID string) ([]FileRecord, error)

	// All returns every record in the store, for getConfig snapshots.
	All(ctx context.Context) ([]FileRecord, error)

	// UpdateCrcedBytes sets crcedBytes to newValue. newValue must be >= the
	// current crcedBytes and <= completionInBytes, or ErrNonMonotonic /
	// ErrInvariant is returned.
	UpdateCrcedBytes(ctx context.Context, fileID string, newValue int64) error

	// UpdateCompletion sets completionInBytes to newValue. newValue must be
	// >= the current completionInBytes and <= originalSize.
	UpdateCompletion(ctx context.Context, fileID string, newValue int64) error

	// RollbackTo sets both crcedBytes and completionInBytes to safeOffset.
	// Unlike UpdateCrcedBytes/UpdateCompletion this is permitted to
	// decrease the counters; it is the sole sanctioned rollback path.
	// It also truncates the local file at the record's Path to safeOffset
	// (a missing file is ignored); content held by another content.Target
	// is truncated by the caller through that target.
	RollbackTo(ctx context.Context, fileID string, safeOffset int64) error

	// Remove deletes the record for fileID. Deleting the backing content is
	// the caller's responsibility (state and content are separate
	// concerns); orchestrator wires the two together on cancel.
	Remove(ctx context.Context, fileID string) error

	// Clear wipes all state. Test/admin use only.
	Clear(ctx context.Context) error

	// Close releases any resources (file handles, connections) held by the
	// store.
	Close() error
}
