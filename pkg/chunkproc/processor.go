// Package chunkproc implements the async chunk write pipeline: for one
// chunk of one upload, read bursts from the client stream under the rate
// limiter's allowance, CRC them incrementally, append to the content
// target, and report success or failure exactly once through a
// completion listener.
//
// Each Process call runs its own worker goroutine; the processor does not
// check whether another worker for the same fileId is already running. The
// reconciliation behavior on
// stream disconnect generalizes a crash-recovery pass over unflushed
// slices.
package chunkproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/chunkstream/chunkstream/internal/logger"
	"github.com/chunkstream/chunkstream/pkg/bufpool"
	"github.com/chunkstream/chunkstream/pkg/content"
	"github.com/chunkstream/chunkstream/pkg/crc"
	"github.com/chunkstream/chunkstream/pkg/metrics"
	"github.com/chunkstream/chunkstream/pkg/ratelimit"
	"github.com/chunkstream/chunkstream/pkg/state"
	"github.com/chunkstream/chunkstream/pkg/uploadconfig"
	"github.com/chunkstream/chunkstream/pkg/uploaderr"
)

// DefaultBufferSize bounds how many bytes a single read burst may request,
// even when the rate limiter would allow more.
const DefaultBufferSize = 64 << 10

// DefaultPausePollInterval is how often a parked worker rechecks the
// paused/cancel flags.
const DefaultPausePollInterval = 100 * time.Millisecond

// Listener receives the outcome of one Process call. Exactly one of
// Success or Error is invoked, exactly once, from the processor's worker
// goroutine.
type Listener interface {
	Success()
	Error(cause error)
}

// observingListener wraps a caller's Listener to record chunk duration and
// outcome before delegating, so instrumentation stays out of run()'s
// control flow.
type observingListener struct {
	inner     Listener
	metrics   *metrics.UploadMetrics
	startedAt time.Time
}

func (l *observingListener) Success() {
	l.metrics.ObserveChunkComplete("success", time.Since(l.startedAt))
	l.inner.Success()
}

func (l *observingListener) Error(cause error) {
	l.metrics.ObserveChunkComplete(outcomeLabel(cause), time.Since(l.startedAt))
	l.inner.Error(cause)
}

func outcomeLabel(cause error) string {
	switch {
	case errors.Is(cause, uploaderr.ErrInvalidCrc):
		return "invalid_crc"
	case errors.Is(cause, uploaderr.ErrStreamDisconnected):
		return "stream_disconnected"
	case errors.Is(cause, uploaderr.ErrCancelled):
		return "cancelled"
	case errors.Is(cause, uploaderr.ErrPauseTimeout):
		return "pause_timeout"
	default:
		return "incorrect_request"
	}
}

// Config configures a Processor.
type Config struct {
	// BufferSize caps the size of one read burst.
	BufferSize int
	// PausePollInterval controls how often a paused worker rechecks its
	// flags while parked.
	PausePollInterval time.Duration
	// MaxPauseDuration bounds how long a worker may stay parked on
	// paused before it is cancelled with ErrPauseTimeout. Zero (the
	// default) means unbounded.
	MaxPauseDuration time.Duration
	// DeleteOnCancel controls whether a cancelled upload's partial
	// content and record are deleted immediately. Defaults to true.
	DeleteOnCancel bool
}

// DefaultConfig returns the processor's default tuning.
func DefaultConfig() Config {
	return Config{
		BufferSize:        DefaultBufferSize,
		PausePollInterval: DefaultPausePollInterval,
		MaxPauseDuration:  0,
		DeleteOnCancel:    true,
	}
}

// Processor runs the per-chunk algorithm against a state store, a content
// target, the rate limiter's entry registry, and the limiter itself (for
// its tick signal).
type Processor struct {
	store    state.Store
	target   content.Target
	registry *uploadconfig.Registry
	limiter  *ratelimit.Limiter
	cfg      Config
	metrics  *metrics.UploadMetrics
}

// New returns a Processor wired to the given collaborators.
func New(store state.Store, target content.Target, registry *uploadconfig.Registry, limiter *ratelimit.Limiter, cfg Config) *Processor {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.PausePollInterval <= 0 {
		cfg.PausePollInterval = DefaultPausePollInterval
	}
	return &Processor{store: store, target: target, registry: registry, limiter: limiter, cfg: cfg}
}

// SetMetrics wires a Prometheus sink for chunk outcomes and throughput.
// Passing nil (the default) makes every observation a no-op.
func (p *Processor) SetMetrics(m *metrics.UploadMetrics) {
	p.metrics = m
}

// Process runs one chunk's worker in its own goroutine and returns
// immediately; every outcome, including a fileId that doesn't resolve to a
// FileRecord, reaches the caller through listener, never through Process's
// own return path.
func (p *Processor) Process(ctx context.Context, fileID, declaredCrcHex string, input io.Reader, listener Listener) {
	go p.run(ctx, fileID, declaredCrcHex, input, listener)
}

func (p *Processor) run(ctx context.Context, fileID, declaredCrcHex string, input io.Reader, listener Listener) {
	startedAt := time.Now()
	wrappedListener := &observingListener{inner: listener, metrics: p.metrics, startedAt: startedAt}

	rec, err := p.store.Get(ctx, fileID)
	if err != nil {
		p.closeInput(input)
		wrappedListener.Error(fmt.Errorf("%w: %v", uploaderr.ErrIncorrectRequest, err))
		return
	}
	listener = wrappedListener

	entry := p.registry.Get(fileID, rec.ClientID)

	if err := p.target.Create(ctx, rec.Path); err != nil {
		p.closeInput(input)
		listener.Error(fmt.Errorf("%w: create target: %v", uploaderr.ErrIncorrectRequest, err))
		return
	}

	digest := crc.New()
	buf := bufpool.Get(p.cfg.BufferSize)
	defer bufpool.Put(buf)

	completionInBytes := rec.CompletionInBytes
	pausedSince := time.Time{}

	for {
		if entry.Cancelled() {
			p.handleCancel(ctx, fileID, rec, input, listener)
			return
		}

		if entry.Paused() {
			if pausedSince.IsZero() {
				pausedSince = time.Now()
			}
			if timedOut := p.waitWhilePaused(ctx, entry, pausedSince); timedOut {
				p.metrics.ObservePause(time.Since(pausedSince))
				p.closeInput(input)
				listener.Error(uploaderr.ErrPauseTimeout)
				return
			}
			p.metrics.ObservePause(time.Since(pausedSince))
			if entry.Cancelled() {
				p.handleCancel(ctx, fileID, rec, input, listener)
				return
			}
			pausedSince = time.Time{}
		}

		w := entry.Allowance()
		if w > int64(len(buf)) {
			w = int64(len(buf))
		}
		if w <= 0 {
			if err := p.limiter.WaitForTick(ctx); err != nil {
				p.closeInput(input)
				listener.Error(fmt.Errorf("%w: %v", uploaderr.ErrStreamDisconnected, err))
				return
			}
			continue
		}

		n, readErr := input.Read(buf[:w])
		if readErr != nil && readErr != io.EOF {
			p.closeInput(input)
			listener.Error(fmt.Errorf("%w: %v", uploaderr.ErrStreamDisconnected, readErr))
			return
		}

		if n == 0 {
			p.finishChunk(ctx, fileID, rec, declaredCrcHex, digest, completionInBytes, input, listener)
			return
		}

		newLen, appendErr := p.target.Append(ctx, rec.Path, buf[:n])
		if appendErr != nil {
			p.closeInput(input)
			listener.Error(fmt.Errorf("%w: append to content: %v", uploaderr.ErrStreamDisconnected, appendErr))
			return
		}

		digest.Update(buf[:n])
		p.metrics.AddBytesWritten(int64(n))
		completionInBytes = newLen
		if err := p.store.UpdateCompletion(ctx, fileID, completionInBytes); err != nil {
			p.closeInput(input)
			listener.Error(fmt.Errorf("%w: persist completion: %v", uploaderr.ErrStreamDisconnected, err))
			return
		}

		entry.Consume(int64(n))

		if readErr == io.EOF {
			p.finishChunk(ctx, fileID, rec, declaredCrcHex, digest, completionInBytes, input, listener)
			return
		}
	}
}

// waitWhilePaused parks until paused clears, cancel is set, ctx is
// cancelled, or MaxPauseDuration elapses. Returns true only on a
// MaxPauseDuration timeout.
func (p *Processor) waitWhilePaused(ctx context.Context, entry *uploadconfig.Configuration, pausedSince time.Time) bool {
	ticker := time.NewTicker(p.cfg.PausePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !entry.Paused() || entry.Cancelled() {
				return false
			}
			if p.cfg.MaxPauseDuration > 0 && time.Since(pausedSince) > p.cfg.MaxPauseDuration {
				return true
			}
		}
	}
}

// finishChunk runs the EOF step: compare the finalized CRC to the
// declared one and either commit crcedBytes or roll back.
func (p *Processor) finishChunk(ctx context.Context, fileID string, rec state.FileRecord, declaredCrcHex string, digest *crc.Incremental, completionInBytes int64, input io.Reader, listener Listener) {
	p.closeInput(input)

	if crc.Equal(digest.DigestHex(), declaredCrcHex) {
		if err := p.target.Flush(ctx, rec.Path); err != nil {
			listener.Error(fmt.Errorf("%w: commit content: %v", uploaderr.ErrIncorrectRequest, err))
			return
		}
		if err := p.store.UpdateCrcedBytes(ctx, fileID, completionInBytes); err != nil {
			listener.Error(fmt.Errorf("%w: commit crcedBytes: %v", uploaderr.ErrIncorrectRequest, err))
			return
		}
		if completionInBytes >= rec.OriginalSize {
			p.registry.Reset(fileID)
		}
		listener.Success()
		return
	}

	if err := p.target.Truncate(ctx, rec.Path, rec.CrcedBytes); err != nil && !errors.Is(err, content.ErrNotExist) {
		logger.Warn("chunkproc: truncate on crc mismatch failed", "fileId", fileID, "error", err)
	}
	if err := p.store.RollbackTo(ctx, fileID, rec.CrcedBytes); err != nil {
		logger.Warn("chunkproc: rollback on crc mismatch failed", "fileId", fileID, "error", err)
	}
	listener.Error(uploaderr.ErrInvalidCrc)
}

// handleCancel runs the cancel exit path: close resources, truncate the
// content back to crcedBytes, then either delete the partial content and
// record (when DeleteOnCancel is set) or roll the record back to
// crcedBytes, and report Cancelled.
func (p *Processor) handleCancel(ctx context.Context, fileID string, rec state.FileRecord, input io.Reader, listener Listener) {
	p.closeInput(input)

	if err := p.target.Truncate(ctx, rec.Path, rec.CrcedBytes); err != nil && !errors.Is(err, content.ErrNotExist) {
		logger.Warn("chunkproc: truncate on cancel failed", "fileId", fileID, "error", err)
	}

	if p.cfg.DeleteOnCancel {
		if err := p.target.Delete(ctx, rec.Path); err != nil && !errors.Is(err, content.ErrNotExist) {
			logger.Warn("chunkproc: delete content on cancel failed", "fileId", fileID, "error", err)
		}
		if err := p.store.Remove(ctx, fileID); err != nil && !errors.Is(err, state.ErrNotFound) {
			logger.Warn("chunkproc: remove record on cancel failed", "fileId", fileID, "error", err)
		}
		p.registry.Remove(fileID)
	} else if err := p.store.RollbackTo(ctx, fileID, rec.CrcedBytes); err != nil {
		logger.Warn("chunkproc: rollback on cancel failed", "fileId", fileID, "error", err)
	}

	listener.Error(uploaderr.ErrCancelled)
}

func (p *Processor) closeInput(input io.Reader) {
	if c, ok := input.(io.Closer); ok {
		_ = c.Close()
	}
}
