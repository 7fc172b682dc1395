package ratelimit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEntry is a minimal, directly-constructible Entry for exercising
// tick() without pulling in pkg/uploadconfig.
type fakeEntry struct {
	mu        sync.Mutex
	fileID    string
	clientID  string
	desiredKB int64
	paused    bool
	cancelled bool
	allowance int64
	consumed  int64
	instant   int64
}

func (f *fakeEntry) FileID() string       { return f.fileID }
func (f *fakeEntry) ClientID() string     { return f.clientID }
func (f *fakeEntry) DesiredRateKB() int64 { return f.desiredKB }
func (f *fakeEntry) Paused() bool         { return f.paused }
func (f *fakeEntry) Cancelled() bool      { return f.cancelled }

func (f *fakeEntry) SetAllowance(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowance = n
}

func (f *fakeEntry) Allowance() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowance
}

func (f *fakeEntry) TakeConsumedSinceTick() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.consumed
	f.consumed = 0
	return v
}

func (f *fakeEntry) SetInstantRateBytes(n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instant = n
}

type fakeSource struct {
	entries []Entry
}

func (s *fakeSource) ActiveEntries() []Entry { return s.entries }

func TestTickAssignsDefaultRateWithinCap(t *testing.T) {
	e := &fakeEntry{fileID: "f1", clientID: "c1"}
	src := &fakeSource{entries: []Entry{e}}

	cfg := DefaultConfig()
	l := New(src, cfg)

	l.tick()

	require.Equal(t, cfg.DefaultRatePerRequestKB*1024, e.Allowance())
}

func TestTickScalesDownPerClientOverCap(t *testing.T) {
	e1 := &fakeEntry{fileID: "f1", clientID: "c1", desiredKB: 8000}
	e2 := &fakeEntry{fileID: "f2", clientID: "c1", desiredKB: 8000}
	src := &fakeSource{entries: []Entry{e1, e2}}

	cfg := DefaultConfig()
	cfg.MaximumRatePerClientKB = 10000
	l := New(src, cfg)

	l.tick()

	clientCapBytes := cfg.MaximumRatePerClientKB * 1024
	total := e1.Allowance() + e2.Allowance()
	assert.LessOrEqual(t, total, clientCapBytes+1) // tolerate float rounding
	assert.Equal(t, e1.Allowance(), e2.Allowance())
}

func TestTickScalesDownGloballyWithFloor(t *testing.T) {
	e1 := &fakeEntry{fileID: "f1", clientID: "c1", desiredKB: 9000}
	e2 := &fakeEntry{fileID: "f2", clientID: "c2", desiredKB: 9000}
	src := &fakeSource{entries: []Entry{e1, e2}}

	cfg := DefaultConfig()
	cfg.MaximumRatePerClientKB = 9000
	cfg.MaximumOverAllRateKB = 10000
	cfg.MinimumRatePerRequestKB = 1
	l := New(src, cfg)

	l.tick()

	globalCapBytes := cfg.MaximumOverAllRateKB * 1024
	assert.LessOrEqual(t, e1.Allowance()+e2.Allowance(), globalCapBytes+1)
	minBytes := cfg.MinimumRatePerRequestKB * 1024
	assert.GreaterOrEqual(t, e1.Allowance(), minBytes)
	assert.GreaterOrEqual(t, e2.Allowance(), minBytes)
}

func TestTickSkipsPausedAndCancelled(t *testing.T) {
	paused := &fakeEntry{fileID: "f1", clientID: "c1", paused: true}
	cancelled := &fakeEntry{fileID: "f2", clientID: "c1", cancelled: true}
	src := &fakeSource{entries: []Entry{paused, cancelled}}

	l := New(src, DefaultConfig())
	l.tick()

	assert.Equal(t, int64(0), paused.Allowance())
	assert.Equal(t, int64(0), cancelled.Allowance())
}

func TestTickUpdatesInstantRateFromPriorConsumption(t *testing.T) {
	e := &fakeEntry{fileID: "f1", clientID: "c1", consumed: 4096}
	src := &fakeSource{entries: []Entry{e}}

	l := New(src, DefaultConfig())
	l.tick()

	assert.Equal(t, int64(4096), e.instant)
	assert.Equal(t, int64(0), e.consumed)
}
