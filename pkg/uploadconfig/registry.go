// Package uploadconfig holds the ephemeral, per-fileId control blocks that
// the rate limiter and chunk processor read and mutate: allowance, the
// paused/cancel flags, the desired rate override, and observed throughput.
// Entries are demand-created on first access and reaped after an idle
// window: a global RWMutex guarding the map, a per-entry mutex guarding
// its fields, and a two-phase sweep that walks every entry under the read
// lock and takes the write lock only to delete the stale ones.
package uploadconfig

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/ratelimit"
)

// DefaultIdleTimeout is the fixed idle window: an entry
// not accessed for this long is discarded on the next sweep.
const DefaultIdleTimeout = 10 * time.Minute

// DefaultSweepInterval is how often the background sweep checks for idle
// entries.
const DefaultSweepInterval = time.Minute

// Configuration is one fileId's ephemeral control block.
type Configuration struct {
	fileID   string
	clientID string

	mu               sync.Mutex
	allowance        int64
	desiredRateKB    int64
	paused           bool
	cancelled        bool
	instantRateBytes int64
	consumedSinceTick int64

	lastAccess atomic.Int64 // unix nanos
}

func newConfiguration(fileID, clientID string) *Configuration {
	c := &Configuration{fileID: fileID, clientID: clientID}
	c.touch()
	return c
}

func (c *Configuration) touch() {
	c.lastAccess.Store(time.Now().UnixNano())
}

func (c *Configuration) idleSince() time.Time {
	return time.Unix(0, c.lastAccess.Load())
}

// FileID returns the configuration's owning file identifier.
func (c *Configuration) FileID() string { return c.fileID }

// ClientID returns the configuration's owning client identifier.
func (c *Configuration) ClientID() string { return c.clientID }

// DesiredRateKB returns the per-upload rate override, or 0 if none is set.
func (c *Configuration) DesiredRateKB() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.desiredRateKB
}

// Paused reports the current pause flag.
func (c *Configuration) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Cancelled reports the current (sticky) cancel flag.
func (c *Configuration) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// SetAllowance replaces the configuration's byte credit. Called once per
// tick by the rate limiter.
func (c *Configuration) SetAllowance(n int64) {
	c.mu.Lock()
	c.allowance = n
	c.mu.Unlock()
}

// Allowance returns the current byte credit.
func (c *Configuration) Allowance() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allowance
}

// Consume atomically decrements allowance by n, tracking it toward the
// next tick's instantRateBytes figure, and reports whether the full amount
// was available. A writer observing false must park until the next tick.
func (c *Configuration) Consume(n int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allowance <= 0 {
		return false
	}
	taken := n
	if taken > c.allowance {
		taken = c.allowance
	}
	c.allowance -= taken
	c.consumedSinceTick += taken
	return taken == n
}

// TakeConsumedSinceTick returns bytes consumed since the last call and
// resets the counter. Called once per tick by the rate limiter.
func (c *Configuration) TakeConsumedSinceTick() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.consumedSinceTick
	c.consumedSinceTick = 0
	return v
}

// SetInstantRateBytes records observed throughput for reporting.
func (c *Configuration) SetInstantRateBytes(n int64) {
	c.mu.Lock()
	c.instantRateBytes = n
	c.mu.Unlock()
}

// InstantRateBytes returns the last observed per-tick throughput.
func (c *Configuration) InstantRateBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instantRateBytes
}

var _ ratelimit.Entry = (*Configuration)(nil)

// Registry is the fileId -> Configuration mapping described in the
// upload configuration registry: demand-create on first
// access, idle-evict in the background.
type Registry struct {
	idleTimeout time.Duration

	mu      sync.RWMutex
	entries map[string]*Configuration

	stopCh    chan struct{}
	stoppedCh chan struct{}
	startOnce sync.Once
}

// New returns an empty Registry. idleTimeout <= 0 uses DefaultIdleTimeout.
func New(idleTimeout time.Duration) *Registry {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Registry{
		idleTimeout: idleTimeout,
		entries:     make(map[string]*Configuration),
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
}

// Get returns fileId's configuration, creating a zeroed one on first
// access. clientID is only used the first time an entry is created.
func (r *Registry) Get(fileID, clientID string) *Configuration {
	r.mu.RLock()
	c, ok := r.entries[fileID]
	r.mu.RUnlock()
	if ok {
		c.touch()
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.entries[fileID]; ok {
		c.touch()
		return c
	}
	c = newConfiguration(fileID, clientID)
	r.entries[fileID] = c
	return c
}

// Peek returns fileId's configuration without creating one, and whether it
// existed.
func (r *Registry) Peek(fileID string) (*Configuration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.entries[fileID]
	return c, ok
}

// GetAll returns every current entry. Order is unspecified.
func (r *Registry) GetAll() []*Configuration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Configuration, 0, len(r.entries))
	for _, c := range r.entries {
		out = append(out, c)
	}
	return out
}

// ActiveEntries implements ratelimit.Source: every configuration currently
// registered, regardless of paused/cancelled state (tick() itself filters
// those out so they're still touched for instantRateBytes bookkeeping).
func (r *Registry) ActiveEntries() []ratelimit.Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ratelimit.Entry, 0, len(r.entries))
	for _, c := range r.entries {
		out = append(out, c)
	}
	return out
}

// Reset clears a configuration's paused and cancel flags, matching the
// behavior on successful upload completion.
func (r *Registry) Reset(fileID string) {
	r.mu.RLock()
	c, ok := r.entries[fileID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.paused = false
	c.cancelled = false
	c.mu.Unlock()
	c.touch()
}

// Pause sets the non-sticky pause flag on fileId's configuration,
// demand-creating it if absent.
func (r *Registry) Pause(fileID, clientID string) {
	c := r.Get(fileID, clientID)
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume clears the pause flag.
func (r *Registry) Resume(fileID, clientID string) {
	c := r.Get(fileID, clientID)
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// MarkCancel sets the sticky cancel flag on an existing entry and reports
// whether one existed. It never creates an entry: cancelling a fileId
// nobody is processing is a no-op.
func (r *Registry) MarkCancel(fileID string) bool {
	r.mu.RLock()
	c, ok := r.entries[fileID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.touch()
	return true
}

// AssignRate sets (or clears, with kb <= 0) the per-upload rate override.
func (r *Registry) AssignRate(fileID, clientID string, kb int64) {
	c := r.Get(fileID, clientID)
	c.mu.Lock()
	c.desiredRateKB = kb
	c.mu.Unlock()
}

// Remove discards fileId's configuration outright, e.g. after cancellation
// completes.
func (r *Registry) Remove(fileID string) {
	r.mu.Lock()
	delete(r.entries, fileID)
	r.mu.Unlock()
}

// Start begins the background idle-eviction sweep. Safe to call once.
func (r *Registry) Start(ctx context.Context, sweepInterval time.Duration) {
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	r.startOnce.Do(func() {
		go r.run(ctx, sweepInterval)
	})
}

// Stop signals the sweep goroutine to exit and waits up to timeout.
func (r *Registry) Stop(timeout time.Duration) {
	close(r.stopCh)
	select {
	case <-r.stoppedCh:
	case <-time.After(timeout):
		logger.Warn("upload configuration registry stop timed out")
	}
}

func (r *Registry) run(ctx context.Context, interval time.Duration) {
	defer close(r.stoppedCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep evicts every entry idle for longer than idleTimeout. It snapshots
// candidate fileIds under the read lock, then takes the write lock once to
// re-check and delete all of them, so the write lock is never held for the
// walk over every entry.
func (r *Registry) sweep() {
	cutoff := time.Now().Add(-r.idleTimeout)

	r.mu.RLock()
	var stale []string
	for fileID, c := range r.entries {
		if c.idleSince().Before(cutoff) {
			stale = append(stale, fileID)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	r.mu.Lock()
	for _, fileID := range stale {
		if c, ok := r.entries[fileID]; ok && c.idleSince().Before(cutoff) {
			delete(r.entries, fileID)
		}
	}
	r.mu.Unlock()
}
