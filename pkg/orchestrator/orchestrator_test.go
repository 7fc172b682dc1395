package orchestrator

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chunkstream/chunkstream/pkg/chunkproc"
	"github.com/chunkstream/chunkstream/pkg/content"
	"github.com/chunkstream/chunkstream/pkg/crc"
	"github.com/chunkstream/chunkstream/pkg/ratelimit"
	"github.com/chunkstream/chunkstream/pkg/state"
	"github.com/chunkstream/chunkstream/pkg/uploadconfig"
	"github.com/chunkstream/chunkstream/pkg/uploaderr"
)

// fakeStore and fakeTarget mirror the doubles in pkg/chunkproc, reimplemented
// here so this package's tests don't depend on chunkproc's internals.

type fakeStore struct {
	mu      sync.Mutex
	records map[string]state.FileRecord
	nextID  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]state.FileRecord)}
}

func (s *fakeStore) Create(ctx context.Context, clientID, name string, size int64) (state.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := name
	rec := state.FileRecord{ID: id, ClientID: clientID, OriginalName: name, OriginalSize: size, Path: id}
	s.records[id] = rec
	return rec, nil
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

func (s *fakeStore) All(ctx context.Context) ([]state.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]state.FileRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out, nil
}

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
	t.mu.Lock()
	defer t.mu.Unlock()
	data := t.content[path]
	if offset < 0 || offset+length > int64(len(data)) {
		return nil, content.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data[offset : offset+length])), nil
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

var _ content.Target = (*fakeTarget)(nil)

func setup(t *testing.T) (*Orchestrator, *fakeStore, *fakeTarget, *uploadconfig.Registry) {
	t.Helper()
	store := newFakeStore()
	target := newFakeTarget()
	registry := uploadconfig.New(time.Hour)
	limiter := ratelimit.New(registry, ratelimit.DefaultConfig())
	processor := chunkproc.New(store, target, registry, limiter, chunkproc.DefaultConfig())
	o := New(store, target, registry, limiter, processor)
	return o, store, target, registry
}

func TestPrepareUploadRejectsInvalidInput(t *testing.T) {
	o, _, _, _ := setup(t)

	_, err := o.PrepareUpload(context.Background(), "c1", "", 10)
	assert.ErrorIs(t, err, uploaderr.ErrMissingParameter)

	_, err = o.PrepareUpload(context.Background(), "c1", "file.bin", 0)
	assert.ErrorIs(t, err, uploaderr.ErrMissingParameter)
}

func TestPrepareUploadCreatesRecord(t *testing.T) {
	o, store, _, _ := setup(t)

	fileID, err := o.PrepareUpload(context.Background(), "c1", "file.bin", 100)
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), fileID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rec.OriginalSize)
	assert.Equal(t, "c1", rec.ClientID)
}

func TestVerifyCrcOfUncheckedPartAdvancesOnMatch(t *testing.T) {
	o, store, target, _ := setup(t)

	data := []byte("hello world")
	result, err := crc.Buffered(bytes.NewReader(data), 0)
	require.NoError(t, err)

	store.put(state.FileRecord{ID: "f1", ClientID: "c1", Path: "f1", OriginalSize: int64(len(data)), CompletionInBytes: int64(len(data))})
	target.content["f1"] = data

	err = o.VerifyCrcOfUncheckedPart(context.Background(), "f1", result.DigestHex)
	require.NoError(t, err)

	rec, err := store.Get(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), rec.CrcedBytes)
}

func TestVerifyCrcOfUncheckedPartRollsBackOnMismatch(t *testing.T) {
	o, store, target, _ := setup(t)

	data := []byte("hello world")
	store.put(state.FileRecord{ID: "f1", ClientID: "c1", Path: "f1", OriginalSize: int64(len(data)), CrcedBytes: 0, CompletionInBytes: int64(len(data))})
	target.content["f1"] = data

	err := o.VerifyCrcOfUncheckedPart(context.Background(), "f1", "deadbeef")
	assert.ErrorIs(t, err, uploaderr.ErrInvalidCrc)

	rec, err := store.Get(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.CrcedBytes)
	assert.Equal(t, int64(0), rec.CompletionInBytes)
	assert.Empty(t, target.content["f1"])
}

func TestGetProgressReflectsCrcedBytes(t *testing.T) {
	o, store, _, _ := setup(t)
	store.put(state.FileRecord{ID: "f1", OriginalSize: 200, CrcedBytes: 50})

	pct, err := o.GetProgress(context.Background(), "f1")
	require.NoError(t, err)
	assert.Equal(t, 25.0, pct)
}

func TestGetProgressUnknownFileIsIncorrectRequest(t *testing.T) {
	o, _, _, _ := setup(t)
	_, err := o.GetProgress(context.Background(), "missing")
	assert.ErrorIs(t, err, uploaderr.ErrIncorrectRequest)
}

func TestPauseResumeDelegateToRegistry(t *testing.T) {
	o, store, _, registry := setup(t)
	store.put(state.FileRecord{ID: "f1", ClientID: "c1", OriginalSize: 10})

	require.NoError(t, o.PauseFile(context.Background(), "f1"))
	entry, ok := registry.Peek("f1")
	require.True(t, ok)
	assert.True(t, entry.Paused())

	require.NoError(t, o.ResumeFile(context.Background(), "f1"))
	assert.False(t, entry.Paused())
}

func TestSetUploadRateDelegatesToRegistry(t *testing.T) {
	o, store, _, registry := setup(t)
	store.put(state.FileRecord{ID: "f1", ClientID: "c1", OriginalSize: 10})

	require.NoError(t, o.SetUploadRate(context.Background(), "f1", 512))
	entry, ok := registry.Peek("f1")
	require.True(t, ok)
	assert.Equal(t, int64(512), entry.DesiredRateKB())
}

func TestCancelFileWithNoActiveWorkerTearsDownDirectly(t *testing.T) {
	o, store, target, _ := setup(t)
	store.put(state.FileRecord{ID: "f1", ClientID: "c1", Path: "f1", OriginalSize: 10})
	target.content["f1"] = []byte("partial")

	require.NoError(t, o.CancelFile(context.Background(), "f1"))

	assert.True(t, target.deleted["f1"])
	_, err := store.Get(context.Background(), "f1")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestCancelFileUnknownIsIncorrectRequest(t *testing.T) {
	o, _, _, _ := setup(t)
	err := o.CancelFile(context.Background(), "missing")
	assert.ErrorIs(t, err, uploaderr.ErrIncorrectRequest)
}

func TestGetConfigListsAllFiles(t *testing.T) {
	o, store, _, _ := setup(t)
	store.put(state.FileRecord{ID: "f1", OriginalName: "a.bin", OriginalSize: 10})
	store.put(state.FileRecord{ID: "f2", OriginalName: "b.bin", OriginalSize: 20})

	snaps, err := o.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}
