// Package filestore is a durable state store backend: a
// self-describing file on disk holding the serialized map of clients to
// file records, durable before any mutation is acknowledged.
//
// It is implemented as an append-only JSON-lines journal (one mutation per
// line) plus periodic snapshot compaction: every mutation is appended and
// fsynced before the call returns, and recovery replays the journal from
// the last snapshot.
package filestore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/state"
)

type opType string

const (
	opSnapshot         opType = "snapshot"
	opCreate           opType = "create"
	opUpdateCrced      opType = "update_crced"
	opUpdateCompletion opType = "update_completion"
	opRollback         opType = "rollback"
	opRemove           opType = "remove"
	opClear            opType = "clear"
)

// journalEntry is one self-describing line of the journal. Only the fields
// relevant to Op are populated.
type journalEntry struct {
	Op      opType            `json:"op"`
	Record  *state.FileRecord `json:"record,omitempty"`
	FileID  string            `json:"fileId,omitempty"`
	Value   int64             `json:"value,omitempty"`
	Records []state.FileRecord `json:"records,omitempty"`
}

// DefaultCompactionThreshold is the number of journal entries appended
// since the last compaction before the store rewrites a fresh snapshot.
const DefaultCompactionThreshold = 1000

// Store is a journal-backed state.Store. Safe for concurrent use; every
// exported method takes the store-wide lock, serializing every state
// mutation under a lock covering both the in-memory update and the
// durability barrier.
type Store struct {
	mu                  sync.Mutex
	journalPath         string
	contentRoot         string
	f                   *os.File
	records             map[string]state.FileRecord
	clientIndex         map[string]map[string]struct{}
	entriesSinceCompact int
	compactionThreshold int
	closed              bool
}

// Open loads journalPath (if it exists) and returns a ready Store that
// appends further mutations to it. contentRoot is the directory new
// FileRecords' Path is allocated under.
func Open(journalPath, contentRoot string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(journalPath), 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create journal dir: %w", err)
	}
	if err := os.MkdirAll(contentRoot, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create content root: %w", err)
	}

	s := &Store{
		journalPath:         journalPath,
		contentRoot:         contentRoot,
		records:             make(map[string]state.FileRecord),
		clientIndex:         make(map[string]map[string]struct{}),
		compactionThreshold: DefaultCompactionThreshold,
	}

	if err := s.replay(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filestore: open journal: %w", err)
	}
	s.f = f

	return s, nil
}

// replay reconstructs in-memory state from the journal on disk. Any line
// that does not parse, whether a torn final line from a crash or a damaged
// line further back, is logged and skipped, and replay continues with the
// next line.
func (s *Store) replay() error {
	f, err := os.Open(s.journalPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("filestore: open journal for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry journalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn("filestore: skipping unreadable journal line", "path", s.journalPath, "error", err)
			continue
		}
		s.apply(entry)
	}
	return scanner.Err()
}

// apply mutates in-memory state for one journal entry. Invariant
// violations are ignored during replay: the journal was produced by a
// prior run that already enforced them.
func (s *Store) apply(entry journalEntry) {
	switch entry.Op {
	case opSnapshot:
		s.records = make(map[string]state.FileRecord, len(entry.Records))
		s.clientIndex = make(map[string]map[string]struct{})
		for _, r := range entry.Records {
			s.records[r.ID] = r
			s.indexClient(r.ClientID, r.ID)
		}
	case opCreate:
		if entry.Record != nil {
			s.records[entry.Record.ID] = *entry.Record
			s.indexClient(entry.Record.ClientID, entry.Record.ID)
		}
	case opUpdateCrced:
		if r, ok := s.records[entry.FileID]; ok {
			r.CrcedBytes = entry.Value
			s.records[entry.FileID] = r
		}
	case opUpdateCompletion:
		if r, ok := s.records[entry.FileID]; ok {
			r.CompletionInBytes = entry.Value
			s.records[entry.FileID] = r
		}
	case opRollback:
		if r, ok := s.records[entry.FileID]; ok {
			r.CrcedBytes = entry.Value
			r.CompletionInBytes = entry.Value
			s.records[entry.FileID] = r
		}
	case opRemove:
		if r, ok := s.records[entry.FileID]; ok {
			s.unindexClient(r.ClientID, r.ID)
			delete(s.records, entry.FileID)
		}
	case opClear:
		s.records = make(map[string]state.FileRecord)
		s.clientIndex = make(map[string]map[string]struct{})
	}
}

func (s *Store) indexClient(clientID, fileID string) {
	set, ok := s.clientIndex[clientID]
	if !ok {
		set = make(map[string]struct{})
		s.clientIndex[clientID] = set
	}
	set[fileID] = struct{}{}
}

func (s *Store) unindexClient(clientID, fileID string) {
	if set, ok := s.clientIndex[clientID]; ok {
		delete(set, fileID)
		if len(set) == 0 {
			delete(s.clientIndex, clientID)
		}
	}
}

// appendLocked writes entry to the journal and fsyncs before returning, so
// the caller may report success only once this returns nil. Must be called
// with s.mu held.
func (s *Store) appendLocked(entry journalEntry) error {
	if s.closed {
		return state.ErrClosed
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("filestore: marshal journal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.f.Write(line); err != nil {
		return fmt.Errorf("filestore: append journal: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		return fmt.Errorf("filestore: fsync journal: %w", err)
	}
	s.entriesSinceCompact++
	return nil
}

// maybeCompactLocked rewrites the journal as a single snapshot entry once
// enough mutations have accumulated, bounding replay time on the next
// restart. Must be called with s.mu held.
func (s *Store) maybeCompactLocked() error {
	if s.entriesSinceCompact < s.compactionThreshold {
		return nil
	}

	records := make([]state.FileRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}

	tmpPath := s.journalPath + ".compact"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: open compaction temp file: %w", err)
	}

	line, err := json.Marshal(journalEntry{Op: opSnapshot, Records: records})
	if err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: marshal snapshot: %w", err)
	}
	line = append(line, '\n')
	if _, err := tmp.Write(line); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: fsync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close snapshot temp file: %w", err)
	}

	if err := s.f.Close(); err != nil {
		return fmt.Errorf("filestore: close journal before swap: %w", err)
	}
	if err := os.Rename(tmpPath, s.journalPath); err != nil {
		return fmt.Errorf("filestore: swap compacted journal: %w", err)
	}

	f, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: reopen journal after compaction: %w", err)
	}
	s.f = f
	s.entriesSinceCompact = 0
	return nil
}
