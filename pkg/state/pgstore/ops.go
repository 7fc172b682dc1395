package pgstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/chunkstream/chunkstream/pkg/state"
)

func defaultIDFunc() string {
	return uuid.NewString()
}

// Create allocates a new FileRecord row.
func (s *Store) Create(ctx context.Context, clientID, name string, size int64) (state.FileRecord, error) {
	id := s.idFunc()
	row := fileRecordRow{
		ID:           id,
		ClientID:     clientID,
		OriginalName: name,
		OriginalSize: size,
		Path:         filepath.Join(s.contentRoot, id),
	}

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return state.FileRecord{}, fmt.Errorf("pgstore: create: %w", err)
	}
	return toRecord(row), nil
}

// Get returns the current record for fileID.
func (s *Store) Get(ctx context.Context, fileID string) (state.FileRecord, error) {
	var row fileRecordRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", fileID).Error
	if err != nil {
		return state.FileRecord{}, mapGormErr(err)
	}
	return toRecord(row), nil
}

// ListByClient returns every record owned by clientID.
func (s *Store) ListByClient(ctx context.Context, clientID string) ([]state.FileRecord, error) {
	var rows []fileRecordRow
	if err := s.db.WithContext(ctx).Where("client_id = ?", clientID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("pgstore: list by client: %w", err)
	}
	out := make([]state.FileRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRecord(r))
	}
	return out, nil
}

// All returns every record in the store.
func (s *Store) All(ctx context.Context) ([]state.FileRecord, error) {
	var rows []fileRecordRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("pgstore: all: %w", err)
	}
	out := make([]state.FileRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, toRecord(r))
	}
	return out, nil
}

// UpdateCrcedBytes sets crcedBytes to newValue inside a transaction that
// re-checks the monotonic/invariant constraints against the latest row.
func (s *Store) UpdateCrcedBytes(ctx context.Context, fileID string, newValue int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row fileRecordRow
		if err := tx.Clauses().First(&row, "id = ?", fileID).Error; err != nil {
			return mapGormErr(err)
		}
		if newValue < row.CrcedBytes {
			return state.ErrNonMonotonic
		}
		if newValue > row.CompletionInBytes || newValue > row.OriginalSize {
			return state.ErrInvariant
		}
		return tx.Model(&fileRecordRow{}).Where("id = ?", fileID).
			Update("crced_bytes", newValue).Error
	})
}

// UpdateCompletion sets completionInBytes to newValue inside a
// transaction.
func (s *Store) UpdateCompletion(ctx context.Context, fileID string, newValue int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row fileRecordRow
		if err := tx.First(&row, "id = ?", fileID).Error; err != nil {
			return mapGormErr(err)
		}
		if newValue < row.CompletionInBytes {
			return state.ErrNonMonotonic
		}
		if newValue > row.OriginalSize {
			return state.ErrInvariant
		}
		return tx.Model(&fileRecordRow{}).Where("id = ?", fileID).
			Update("completion_in_bytes", newValue).Error
	})
}

// RollbackTo sets both counters to safeOffset and truncates the local file
// at the record's Path to safeOffset; a missing file is ignored. Content
// held by another content.Target is truncated by the caller through that
// target.
func (s *Store) RollbackTo(ctx context.Context, fileID string, safeOffset int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row fileRecordRow
		if err := tx.First(&row, "id = ?", fileID).Error; err != nil {
			return mapGormErr(err)
		}
		if safeOffset < 0 || safeOffset > row.CompletionInBytes {
			return state.ErrInvariant
		}
		if err := os.Truncate(row.Path, safeOffset); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("pgstore: truncate content: %w", err)
		}
		return tx.Model(&fileRecordRow{}).Where("id = ?", fileID).Updates(map[string]any{
			"crced_bytes":         safeOffset,
			"completion_in_bytes": safeOffset,
		}).Error
	})
}

// Remove deletes the row for fileID.
func (s *Store) Remove(ctx context.Context, fileID string) error {
	res := s.db.WithContext(ctx).Delete(&fileRecordRow{}, "id = ?", fileID)
	if res.Error != nil {
		return fmt.Errorf("pgstore: remove: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return state.ErrNotFound
	}
	return nil
}

// Clear wipes all state. Test/admin use only.
func (s *Store) Clear(ctx context.Context) error {
	return s.db.WithContext(ctx).Exec("DELETE FROM file_records").Error
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
