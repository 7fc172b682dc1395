// Package ratelimit implements the rate limiter: a cooperative scheduler
// running on its own ticker that, every tick, apportions a byte allowance
// among active uploads under a per-request baseline, a per-client cap, and
// a global cap. Unlike a continuously-refilling token bucket, allowance is
// replaced (not added to) every tick — leftover credit from the previous
// tick is discarded to bound burstiness.
//
// The lifecycle (Start/Stop, worker goroutine, stop/stopped channel pair)
// follows a ticker-driven background worker; the per-client and global
// proportional fair-share scaling follows the rebalance-on-membership-
// change idea from a bandwidth manager in the wider example pack.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/metrics"
)

// Entry is one active upload's view into the limiter: the fields the
// limiter reads to compute a share, and the setters it uses to hand out
// the result. pkg/uploadconfig's Configuration implements this.
type Entry interface {
	FileID() string
	ClientID() string
	// DesiredRateKB returns the per-upload override, or 0 to use the
	// limiter's configured default.
	DesiredRateKB() int64
	Paused() bool
	Cancelled() bool
	// SetAllowance replaces (not adds to) the entry's current byte credit.
	SetAllowance(bytes int64)
	// TakeConsumedSinceTick returns bytes consumed since the last call and
	// resets the counter to zero.
	TakeConsumedSinceTick() int64
	// SetInstantRateBytes records observed throughput for reporting.
	SetInstantRateBytes(bytes int64)
}

// Source supplies the limiter with the current set of entries to
// consider on a tick. pkg/uploadconfig.Registry implements this.
type Source interface {
	ActiveEntries() []Entry
}

// Config holds the limiter's runtime-mutable thresholds.
type Config struct {
	// DefaultRatePerRequestKB is the baseline per active upload when it
	// has no DesiredRateKB override.
	DefaultRatePerRequestKB int64
	// MinimumRatePerRequestKB is the floor after global fair-sharing.
	MinimumRatePerRequestKB int64
	// DefaultRatePerClientKB is unused directly by the scheduler (a
	// client's cap is MaximumRatePerClientKB); kept for parity with the
	// configuration table and exposed for callers that
	// want a distinct soft default independent of the hard cap.
	DefaultRatePerClientKB int64
	// MaximumRatePerClientKB is the hard per-client cap.
	MaximumRatePerClientKB int64
	// MaximumOverAllRateKB is the hard global cap.
	MaximumOverAllRateKB int64
	// TickPeriod is the scheduling tick period.
	TickPeriod time.Duration
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		DefaultRatePerRequestKB: 1024,
		MinimumRatePerRequestKB: 1,
		DefaultRatePerClientKB:  10240,
		MaximumRatePerClientKB:  10240,
		MaximumOverAllRateKB:    10240,
		TickPeriod:              time.Second,
	}
}

// tickGate lets workers park until the next tick without polling: each
// tick closes the current gate channel (waking every waiter) and installs
// a fresh one.
type tickGate struct {
	mu sync.Mutex
	ch chan struct{}
}

func newTickGate() *tickGate {
	return &tickGate{ch: make(chan struct{})}
}

func (g *tickGate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *tickGate) broadcast() {
	g.mu.Lock()
	old := g.ch
	g.ch = make(chan struct{})
	g.mu.Unlock()
	close(old)
}

// Limiter is the rate-limiter scheduling thread. One Limiter serves an
// entire server; entries across every fileId and clientId are apportioned
// together each tick.
type Limiter struct {
	source Source
	cfg    atomic.Pointer[Config]
	gate   *tickGate

	stopCh    chan struct{}
	stoppedCh chan struct{}
	startOnce sync.Once
	wg        sync.WaitGroup

	metrics *metrics.UploadMetrics
}

// New returns a Limiter that draws active entries from source. Call Start
// to begin ticking.
func New(source Source, cfg Config) *Limiter {
	l := &Limiter{
		source:    source,
		gate:      newTickGate(),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	l.cfg.Store(&cfg)
	return l
}

// SetMetrics wires a Prometheus sink for tick statistics. Passing nil (the
// default) makes every observation a no-op.
func (l *Limiter) SetMetrics(m *metrics.UploadMetrics) {
	l.metrics = m
}

// UpdateConfig atomically replaces the limiter's thresholds, taking effect
// on the next tick. The tick period itself is fixed at construction time.
func (l *Limiter) UpdateConfig(cfg Config) {
	period := l.cfg.Load().TickPeriod
	cfg.TickPeriod = period
	l.cfg.Store(&cfg)
}

func (l *Limiter) currentConfig() Config {
	return *l.cfg.Load()
}

// Start begins the scheduling ticker. Safe to call once; subsequent calls
// are no-ops.
func (l *Limiter) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		period := l.currentConfig().TickPeriod
		if period <= 0 {
			period = time.Second
		}
		l.wg.Add(1)
		go l.run(ctx, period)
	})
}

// Stop signals the ticker goroutine to exit and waits up to timeout.
func (l *Limiter) Stop(timeout time.Duration) {
	close(l.stopCh)
	select {
	case <-l.stoppedCh:
	case <-time.After(timeout):
		logger.Warn("rate limiter stop timed out")
	}
}

func (l *Limiter) run(ctx context.Context, period time.Duration) {
	defer l.wg.Done()
	defer close(l.stoppedCh)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

// WaitForTick parks the caller until the next tick boundary or ctx
// cancellation, matching the contract that a writer whose allowance is
// exhausted parks until the next tick signal.
func (l *Limiter) WaitForTick(ctx context.Context) error {
	return l.gate.wait(ctx)
}

// tick runs one full allowance-assignment pass: per-request base credit,
// per-client proportional scaling, global proportional scaling, then
// replaces every entry's allowance and refreshes instantRateBytes.
func (l *Limiter) tick() {
	cfg := l.currentConfig()
	entries := l.source.ActiveEntries()
	tickMillis := cfg.TickPeriod.Milliseconds()
	if tickMillis <= 0 {
		tickMillis = 1000
	}

	type share struct {
		entry        Entry
		baseBytes    float64
		consumedPrev int64
	}

	var active []*share
	perClient := make(map[string][]*share)

	for _, e := range entries {
		consumedPrev := e.TakeConsumedSinceTick()
		if e.Paused() || e.Cancelled() {
			e.SetAllowance(0)
			e.SetInstantRateBytes(consumedPrev)
			continue
		}

		rateKB := e.DesiredRateKB()
		if rateKB <= 0 {
			rateKB = cfg.DefaultRatePerRequestKB
		}
		base := float64(rateKB) * 1024 * float64(tickMillis) / 1000

		s := &share{entry: e, baseBytes: base, consumedPrev: consumedPrev}
		active = append(active, s)
		perClient[e.ClientID()] = append(perClient[e.ClientID()], s)
	}

	// Step 3: scale each client's requests down proportionally if their
	// sum exceeds the per-client cap.
	clientCapBytes := float64(cfg.MaximumRatePerClientKB) * 1024 * float64(tickMillis) / 1000
	for _, shares := range perClient {
		var sum float64
		for _, s := range shares {
			sum += s.baseBytes
		}
		if clientCapBytes > 0 && sum > clientCapBytes {
			scale := clientCapBytes / sum
			for _, s := range shares {
				s.baseBytes *= scale
			}
		}
	}

	// Step 4: scale everything down proportionally if the global sum
	// exceeds the global cap, floored at the per-request minimum.
	globalCapBytes := float64(cfg.MaximumOverAllRateKB) * 1024 * float64(tickMillis) / 1000
	minBytes := float64(cfg.MinimumRatePerRequestKB) * 1024 * float64(tickMillis) / 1000

	var globalSum float64
	for _, s := range active {
		globalSum += s.baseBytes
	}
	if globalCapBytes > 0 && globalSum > globalCapBytes {
		scale := globalCapBytes / globalSum
		for _, s := range active {
			scaled := s.baseBytes * scale
			if scaled < minBytes {
				scaled = minBytes
			}
			s.baseBytes = scaled
		}
	}

	// Step 5 & 6: replace allowance, refresh instantRateBytes.
	var grantedTotal int64
	for _, s := range active {
		allowance := int64(s.baseBytes)
		s.entry.SetAllowance(allowance)
		s.entry.SetInstantRateBytes(s.consumedPrev)
		grantedTotal += allowance
	}

	l.metrics.SetActiveUploads(len(entries))
	l.metrics.AddAllowanceGranted(grantedTotal)

	l.gate.broadcast()
}
