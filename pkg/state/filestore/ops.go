package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/chunkstream/chunkstream/pkg/state"
)

// Create allocates a FileRecord under contentRoot/<fileId> with counters
// at zero.
func (s *Store) Create(ctx context.Context, clientID, name string, size int64) (state.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.FileRecord{}, state.ErrClosed
	}

	id := uuid.NewString()
	record := state.FileRecord{
		ID:           id,
		ClientID:     clientID,
		OriginalName: name,
		OriginalSize: size,
		Path:         filepath.Join(s.contentRoot, id),
	}

	if err := s.appendLocked(journalEntry{Op: opCreate, Record: &record}); err != nil {
		return state.FileRecord{}, err
	}
	s.apply(journalEntry{Op: opCreate, Record: &record})
	if err := s.maybeCompactLocked(); err != nil {
		return state.FileRecord{}, err
	}
	return record, nil
}

// Get returns the current record for fileID.
func (s *Store) Get(ctx context.Context, fileID string) (state.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.FileRecord{}, state.ErrClosed
	}
	r, ok := s.records[fileID]
	if !ok {
		return state.FileRecord{}, state.ErrNotFound
	}
	return r, nil
}

// ListByClient returns every record owned by clientID.
func (s *Store) ListByClient(ctx context.Context, clientID string) ([]state.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, state.ErrClosed
	}
	ids := s.clientIndex[clientID]
	out := make([]state.FileRecord, 0, len(ids))
	for id := range ids {
		out = append(out, s.records[id])
	}
	return out, nil
}

// All returns every record in the store.
func (s *Store) All(ctx context.Context) ([]state.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, state.ErrClosed
	}
	out := make([]state.FileRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

// UpdateCrcedBytes sets crcedBytes to newValue, rejecting a decrease or a
// value that would push crcedBytes past completionInBytes.
func (s *Store) UpdateCrcedBytes(ctx context.Context, fileID string, newValue int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.ErrClosed
	}
	r, ok := s.records[fileID]
	if !ok {
		return state.ErrNotFound
	}
	if newValue < r.CrcedBytes {
		return state.ErrNonMonotonic
	}
	if newValue > r.CompletionInBytes || newValue > r.OriginalSize {
		return state.ErrInvariant
	}

	if err := s.appendLocked(journalEntry{Op: opUpdateCrced, FileID: fileID, Value: newValue}); err != nil {
		return err
	}
	s.apply(journalEntry{Op: opUpdateCrced, FileID: fileID, Value: newValue})
	return s.maybeCompactLocked()
}

// UpdateCompletion sets completionInBytes to newValue, rejecting a
// decrease or a value that would exceed originalSize.
func (s *Store) UpdateCompletion(ctx context.Context, fileID string, newValue int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.ErrClosed
	}
	r, ok := s.records[fileID]
	if !ok {
		return state.ErrNotFound
	}
	if newValue < r.CompletionInBytes {
		return state.ErrNonMonotonic
	}
	if newValue > r.OriginalSize {
		return state.ErrInvariant
	}

	if err := s.appendLocked(journalEntry{Op: opUpdateCompletion, FileID: fileID, Value: newValue}); err != nil {
		return err
	}
	s.apply(journalEntry{Op: opUpdateCompletion, FileID: fileID, Value: newValue})
	return s.maybeCompactLocked()
}

// RollbackTo sets crcedBytes and completionInBytes to safeOffset and
// truncates the local file at the record's Path to safeOffset; a missing
// file is ignored. Content held by another content.Target is truncated by
// the caller through that target.
func (s *Store) RollbackTo(ctx context.Context, fileID string, safeOffset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.ErrClosed
	}
	r, ok := s.records[fileID]
	if !ok {
		return state.ErrNotFound
	}
	if safeOffset < 0 || safeOffset > r.CompletionInBytes {
		return state.ErrInvariant
	}
	if err := os.Truncate(r.Path, safeOffset); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestore: truncate content: %w", err)
	}

	if err := s.appendLocked(journalEntry{Op: opRollback, FileID: fileID, Value: safeOffset}); err != nil {
		return err
	}
	s.apply(journalEntry{Op: opRollback, FileID: fileID, Value: safeOffset})
	return s.maybeCompactLocked()
}

// Remove deletes the record for fileID. The caller is responsible for
// deleting the backing content file.
func (s *Store) Remove(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.ErrClosed
	}
	if _, ok := s.records[fileID]; !ok {
		return state.ErrNotFound
	}

	if err := s.appendLocked(journalEntry{Op: opRemove, FileID: fileID}); err != nil {
		return err
	}
	s.apply(journalEntry{Op: opRemove, FileID: fileID})
	return s.maybeCompactLocked()
}

// Clear wipes all state.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return state.ErrClosed
	}
	if err := s.appendLocked(journalEntry{Op: opClear}); err != nil {
		return err
	}
	s.apply(journalEntry{Op: opClear})
	return s.maybeCompactLocked()
}

// Close flushes and closes the journal file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

var _ state.Store = (*Store)(nil)
