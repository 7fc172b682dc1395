package chunkproc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkstream/chunkstream/pkg/content"
	"github.com/chunkstream/chunkstream/pkg/crc"
	"github.com/chunkstream/chunkstream/pkg/ratelimit"
	"github.com/chunkstream/chunkstream/pkg/state"
	"github.com/chunkstream/chunkstream/pkg/uploadconfig"
	"github.com/chunkstream/chunkstream/pkg/uploaderr"
)

// fakeStore is a minimal in-memory state.Store for exercising the
// processor without a real backend.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]state.FileRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]state.FileRecord)}
}

func (s *fakeStore) Create(ctx context.Context, clientID, name string, size int64) (state.FileRecord, error) {
	return state.FileRecord{}, errors.New("not implemented")
}

func (s *fakeStore) put(r state.FileRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.ID] = r
}

func (s *fakeStore) Get(ctx context.Context, fileID string) (state.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[fileID]
	if !ok {
		return state.FileRecord{}, state.ErrNotFound
	}
	return r, nil
}

func (s *fakeStore) ListByClient(ctx context.Context, clientID string) ([]state.FileRecord, error) {
	return nil, nil
}

func (s *fakeStore) All(ctx context.Context) ([]state.FileRecord, error) { return nil, nil }

func (s *fakeStore) UpdateCrcedBytes(ctx context.Context, fileID string, newValue int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[fileID]
	if !ok {
		return state.ErrNotFound
	}
	r.CrcedBytes = newValue
	s.records[fileID] = r
	return nil
}

func (s *fakeStore) UpdateCompletion(ctx context.Context, fileID string, newValue int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[fileID]
	if !ok {
		return state.ErrNotFound
	}
	r.CompletionInBytes = newValue
	s.records[fileID] = r
	return nil
}

func (s *fakeStore) RollbackTo(ctx context.Context, fileID string, safeOffset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[fileID]
	if !ok {
		return state.ErrNotFound
	}
	r.CrcedBytes = safeOffset
	r.CompletionInBytes = safeOffset
	s.records[fileID] = r
	return nil
}

func (s *fakeStore) Remove(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[fileID]; !ok {
		return state.ErrNotFound
	}
	delete(s.records, fileID)
	return nil
}

func (s *fakeStore) Clear(ctx context.Context) error { return nil }
func (s *fakeStore) Close() error                    { return nil }

var _ state.Store = (*fakeStore)(nil)

// fakeTarget is a minimal in-memory content.Target.
type fakeTarget struct {
	mu      sync.Mutex
	content map[string][]byte
	deleted map[string]bool
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{content: make(map[string][]byte), deleted: make(map[string]bool)}
}

func (t *fakeTarget) Create(ctx context.Context, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.content[path]; !ok {
		t.content[path] = nil
	}
	return nil
}

func (t *fakeTarget) Append(ctx context.Context, path string, data []byte) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.content[path] = append(t.content[path], data...)
	return int64(len(t.content[path])), nil
}

func (t *fakeTarget) ReadRange(ctx context.Context, path string, offset, length int64) (io.ReadCloser, error) {
	return nopCloser{}, nil
}

func (t *fakeTarget) Size(ctx context.Context, path string) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(len(t.content[path])), nil
}

func (t *fakeTarget) Truncate(ctx context.Context, path string, newLength int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int64(len(t.content[path])) > newLength {
		t.content[path] = t.content[path][:newLength]
	}
	return nil
}

func (t *fakeTarget) Delete(ctx context.Context, path string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.content, path)
	t.deleted[path] = true
	return nil
}

func (t *fakeTarget) Flush(ctx context.Context, path string) error {
	return nil
}

type nopCloser struct{}

func (nopCloser) Read(p []byte) (int, error) { return 0, io.EOF }
func (nopCloser) Close() error                { return nil }

var _ content.Target = (*fakeTarget)(nil)

// fakeListener collects the single outcome a Process call reports.
type fakeListener struct {
	done chan struct{}
	err  error
	ok   bool
}

func newFakeListener() *fakeListener {
	return &fakeListener{done: make(chan struct{}, 1)}
}

func (l *fakeListener) Success() {
	l.ok = true
	l.done <- struct{}{}
}

func (l *fakeListener) Error(cause error) {
	l.err = cause
	l.done <- struct{}{}
}

func (l *fakeListener) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener was never invoked")
	}
}

func setup(t *testing.T) (*Processor, *fakeStore, *fakeTarget, *uploadconfig.Registry) {
	t.Helper()
	store := newFakeStore()
	target := newFakeTarget()
	registry := uploadconfig.New(time.Hour)
	limiter := ratelimit.New(registry, ratelimit.DefaultConfig())
	p := New(store, target, registry, limiter, DefaultConfig())
	return p, store, target, registry
}

func TestProcessSuccessOnCrcMatch(t *testing.T) {
	p, store, target, registry := setup(t)

	data := []byte("hello world")
	result, err := crc.Buffered(bytes.NewReader(data), 0)
	require.NoError(t, err)

	store.put(state.FileRecord{ID: "f1", ClientID: "c1", Path: "f1", OriginalSize: int64(len(data))})
	registry.Get("f1", "c1").SetAllowance(1 << 20)

	listener := newFakeListener()
	p.Process(context.Background(), "f1", result.DigestHex, bytes.NewReader(data), listener)
	listener.wait(t)

	assert.True(t, listener.ok)
	assert.Equal(t, data, target.content["f1"])

	rec, err := store.Get(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), rec.CrcedBytes)
}

func TestProcessInvalidCrcRollsBack(t *testing.T) {
	p, store, target, registry := setup(t)

	data := []byte("hello world")
	store.put(state.FileRecord{ID: "f1", ClientID: "c1", Path: "f1", OriginalSize: int64(len(data))})
	registry.Get("f1", "c1").SetAllowance(1 << 20)

	listener := newFakeListener()
	p.Process(context.Background(), "f1", "deadbeef", bytes.NewReader(data), listener)
	listener.wait(t)

	assert.ErrorIs(t, listener.err, uploaderr.ErrInvalidCrc)
	assert.Empty(t, target.content["f1"])

	rec, err := store.Get(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.CrcedBytes)
}

func TestProcessMissingFileIdIsIncorrectRequest(t *testing.T) {
	p, _, _, _ := setup(t)

	listener := newFakeListener()
	p.Process(context.Background(), "missing", "x", bytes.NewReader(nil), listener)
	listener.wait(t)

	assert.ErrorIs(t, listener.err, uploaderr.ErrIncorrectRequest)
}

func TestProcessCancelledDeletesFileAndRecord(t *testing.T) {
	p, store, target, registry := setup(t)

	data := []byte("hello world")
	store.put(state.FileRecord{ID: "f1", ClientID: "c1", Path: "f1", OriginalSize: int64(len(data))})
	entry := registry.Get("f1", "c1")
	entry.SetAllowance(1 << 20)
	require.True(t, registry.MarkCancel("f1"))

	listener := newFakeListener()
	p.Process(context.Background(), "f1", "ignored", bytes.NewReader(data), listener)
	listener.wait(t)

	assert.ErrorIs(t, listener.err, uploaderr.ErrCancelled)
	assert.True(t, target.deleted["f1"])

	_, err := store.Get(context.Background(), "f1")
	assert.ErrorIs(t, err, state.ErrNotFound)
}
