// Package badgerstore implements state.Store on top of an embedded
// BadgerDB, for deployments with larger client/file counts than the
// journal backend comfortably serves. Keys are prefixed by entity type
// ("f:" for file records, "c:" for the client-to-file index), the same
// single-database-multiple-prefixes layout a single embedded database
// uses for distinct entity types.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/chunkstream/chunkstream/pkg/state"
)

const (
	prefixFile   = "f:"
	prefixClient = "c:"
)

func keyFile(fileID string) []byte {
	return []byte(prefixFile + fileID)
}

func keyClientFile(clientID, fileID string) []byte {
	return []byte(prefixClient + clientID + ":" + fileID)
}

func keyClientPrefix(clientID string) []byte {
	return []byte(prefixClient + clientID + ":")
}

// Store is a Badger-backed state.Store.
type Store struct {
	db          *badger.DB
	contentRoot string
}

// Open opens (creating if necessary) a Badger database at dir.
func Open(dir, contentRoot string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("badgerstore: create dir: %w", err)
	}
	if err := os.MkdirAll(contentRoot, 0o755); err != nil {
		return nil, fmt.Errorf("badgerstore: create content root: %w", err)
	}

	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badgerstore: open: %w", err)
	}
	return &Store{db: db, contentRoot: contentRoot}, nil
}

func encodeRecord(r state.FileRecord) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRecord(b []byte) (state.FileRecord, error) {
	var r state.FileRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return state.FileRecord{}, err
	}
	return r, nil
}

func (s *Store) getLocked(txn *badger.Txn, fileID string) (state.FileRecord, error) {
	item, err := txn.Get(keyFile(fileID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return state.FileRecord{}, state.ErrNotFound
	}
	if err != nil {
		return state.FileRecord{}, err
	}
	var record state.FileRecord
	err = item.Value(func(val []byte) error {
		r, err := decodeRecord(val)
		if err != nil {
			return err
		}
		record = r
		return nil
	})
	return record, err
}

// Create allocates a new FileRecord and persists it in one transaction.
func (s *Store) Create(ctx context.Context, clientID, name string, size int64) (state.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return state.FileRecord{}, err
	}

	id := uuid.NewString()
	record := state.FileRecord{
		ID:           id,
		ClientID:     clientID,
		OriginalName: name,
		OriginalSize: size,
		Path:         s.contentRoot + string(os.PathSeparator) + id,
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		data, err := encodeRecord(record)
		if err != nil {
			return err
		}
		if err := txn.Set(keyFile(id), data); err != nil {
			return err
		}
		return txn.Set(keyClientFile(clientID, id), nil)
	})
	if err != nil {
		return state.FileRecord{}, fmt.Errorf("badgerstore: create: %w", err)
	}
	return record, nil
}

// Get returns the current record for fileID.
func (s *Store) Get(ctx context.Context, fileID string) (state.FileRecord, error) {
	var record state.FileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		r, err := s.getLocked(txn, fileID)
		if err != nil {
			return err
		}
		record = r
		return nil
	})
	return record, err
}

// ListByClient returns every record owned by clientID.
func (s *Store) ListByClient(ctx context.Context, clientID string) ([]state.FileRecord, error) {
	var out []state.FileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := keyClientPrefix(clientID)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			fileID := string(it.Item().Key())[len(prefix):]
			r, err := s.getLocked(txn, fileID)
			if errors.Is(err, state.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	return out, err
}

// All returns every record in the store.
func (s *Store) All(ctx context.Context) ([]state.FileRecord, error) {
	var out []state.FileRecord
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(prefixFile)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				r, err := decodeRecord(val)
				if err != nil {
					return err
				}
				out = append(out, r)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// UpdateCrcedBytes sets crcedBytes to newValue.
func (s *Store) UpdateCrcedBytes(ctx context.Context, fileID string, newValue int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		r, err := s.getLocked(txn, fileID)
		if err != nil {
			return err
		}
		if newValue < r.CrcedBytes {
			return state.ErrNonMonotonic
		}
		if newValue > r.CompletionInBytes || newValue > r.OriginalSize {
			return state.ErrInvariant
		}
		r.CrcedBytes = newValue
		data, err := encodeRecord(r)
		if err != nil {
			return err
		}
		return txn.Set(keyFile(fileID), data)
	})
}

// UpdateCompletion sets completionInBytes to newValue.
func (s *Store) UpdateCompletion(ctx context.Context, fileID string, newValue int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		r, err := s.getLocked(txn, fileID)
		if err != nil {
			return err
		}
		if newValue < r.CompletionInBytes {
			return state.ErrNonMonotonic
		}
		if newValue > r.OriginalSize {
			return state.ErrInvariant
		}
		r.CompletionInBytes = newValue
		data, err := encodeRecord(r)
		if err != nil {
			return err
		}
		return txn.Set(keyFile(fileID), data)
	})
}

// RollbackTo sets both counters to safeOffset and truncates the local file
// at the record's Path to safeOffset; a missing file is ignored. Content
// held by another content.Target is truncated by the caller through that
// target.
func (s *Store) RollbackTo(ctx context.Context, fileID string, safeOffset int64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		r, err := s.getLocked(txn, fileID)
		if err != nil {
			return err
		}
		if safeOffset < 0 || safeOffset > r.CompletionInBytes {
			return state.ErrInvariant
		}
		if err := os.Truncate(r.Path, safeOffset); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("badgerstore: truncate content: %w", err)
		}
		r.CrcedBytes = safeOffset
		r.CompletionInBytes = safeOffset
		data, err := encodeRecord(r)
		if err != nil {
			return err
		}
		return txn.Set(keyFile(fileID), data)
	})
}

// Remove deletes the record for fileID.
func (s *Store) Remove(ctx context.Context, fileID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		r, err := s.getLocked(txn, fileID)
		if err != nil {
			return err
		}
		if err := txn.Delete(keyFile(fileID)); err != nil {
			return err
		}
		return txn.Delete(keyClientFile(r.ClientID, fileID))
	})
}

// Clear wipes all state.
func (s *Store) Clear(ctx context.Context) error {
	return s.db.DropAll()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ state.Store = (*Store)(nil)
