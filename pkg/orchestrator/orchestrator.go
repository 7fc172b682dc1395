// Package orchestrator wires the state store, content target, upload
// configuration registry, rate limiter, and chunk processor into the
// single façade the outer HTTP layer drives: prepare an upload, push
// chunks at it, query and control its progress, and reconcile after a
// disconnect.
//
// A single entry point owns its collaborators and exposes a small, stable
// surface instead of letting callers reach into the subsystems directly.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chunkstream/chunkstream/pkg/chunkproc"
	"github.com/chunkstream/chunkstream/pkg/content"
	"github.com/chunkstream/chunkstream/pkg/crc"
	"github.com/chunkstream/chunkstream/pkg/ratelimit"
	"github.com/chunkstream/chunkstream/pkg/state"
	"github.com/chunkstream/chunkstream/pkg/uploadconfig"
	"github.com/chunkstream/chunkstream/pkg/uploaderr"
)

// ReconcileBufferSize bounds how much of the unchecked range
// verifyCrcOfUncheckedPart reads from disk at once.
const ReconcileBufferSize = 256 << 10

// FileSnapshot is one entry in getConfig's pending-files listing.
type FileSnapshot struct {
	FileID            string
	Name              string
	CompletionInBytes int64
	CrcedBytes        int64
	OriginalSize      int64
}

// Orchestrator is the upload service's façade.
type Orchestrator struct {
	store     state.Store
	target    content.Target
	registry  *uploadconfig.Registry
	limiter   *ratelimit.Limiter
	processor *chunkproc.Processor
}

// New wires an Orchestrator from its collaborators. Callers are
// responsible for calling Start/Stop on the registry and limiter
// themselves — the orchestrator only uses them, it doesn't own their
// lifecycle.
func New(store state.Store, target content.Target, registry *uploadconfig.Registry, limiter *ratelimit.Limiter, processor *chunkproc.Processor) *Orchestrator {
	return &Orchestrator{store: store, target: target, registry: registry, limiter: limiter, processor: processor}
}

// PrepareUpload registers a new FileRecord for clientID and returns its
// fileId. Fails synchronously with ErrMissingParameter if size <= 0 or
// name is blank.
func (o *Orchestrator) PrepareUpload(ctx context.Context, clientID, name string, size int64) (string, error) {
	if size <= 0 || strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: size and name are required", uploaderr.ErrMissingParameter)
	}
	rec, err := o.store.Create(ctx, clientID, name, size)
	if err != nil {
		return "", fmt.Errorf("orchestrator: prepare upload: %w", err)
	}
	return rec.ID, nil
}

// Process starts the async chunk pipeline for fileId. Every outcome,
// including an unknown fileId, reaches listener — Process itself never
// returns an error.
func (o *Orchestrator) Process(ctx context.Context, fileID, declaredCrcHex string, stream io.Reader, listener chunkproc.Listener) {
	o.processor.Process(ctx, fileID, declaredCrcHex, stream, listener)
}

// VerifyCrcOfUncheckedPart is the reconciliation operation used after a
// disconnect: it CRCs the on-disk range [crcedBytes, completionInBytes)
// and compares it to expectedCrcHex, the CRC the client computed over the
// same bytes it originally sent. On match, crcedBytes advances to
// completionInBytes. On mismatch, the content is truncated back to
// crcedBytes and completionInBytes resets to match, so the client
// re-sends from there.
func (o *Orchestrator) VerifyCrcOfUncheckedPart(ctx context.Context, fileID, expectedCrcHex string) error {
	rec, err := o.store.Get(ctx, fileID)
	if err != nil {
		return fmt.Errorf("%w: %v", uploaderr.ErrIncorrectRequest, err)
	}

	uncheckedLen := rec.CompletionInBytes - rec.CrcedBytes
	if uncheckedLen < 0 {
		return fmt.Errorf("%w: crcedBytes exceeds completionInBytes", uploaderr.ErrIncorrectRequest)
	}

	if uncheckedLen == 0 {
		// Nothing unchecked to reconcile: crcedBytes is already current,
		// so there's no range to CRC and nothing to compare expectedCrcHex
		// against — advancing is a no-op but still the correct response.
		if err := o.store.UpdateCrcedBytes(ctx, fileID, rec.CompletionInBytes); err != nil {
			return fmt.Errorf("orchestrator: advance crcedBytes: %w", err)
		}
		return nil
	}

	reader, err := o.target.ReadRange(ctx, rec.Path, rec.CrcedBytes, uncheckedLen)
	if err != nil {
		return fmt.Errorf("orchestrator: read unchecked range: %w", err)
	}
	defer reader.Close()

	result, err := crc.Buffered(reader, ReconcileBufferSize)
	if err != nil {
		return fmt.Errorf("orchestrator: crc unchecked range: %w", err)
	}

	if crc.Equal(result.DigestHex, expectedCrcHex) {
		if err := o.store.UpdateCrcedBytes(ctx, fileID, rec.CompletionInBytes); err != nil {
			return fmt.Errorf("orchestrator: advance crcedBytes: %w", err)
		}
		return nil
	}

	if err := o.target.Truncate(ctx, rec.Path, rec.CrcedBytes); err != nil && !errors.Is(err, content.ErrNotExist) {
		return fmt.Errorf("orchestrator: truncate after reconcile mismatch: %w", err)
	}
	if err := o.store.RollbackTo(ctx, fileID, rec.CrcedBytes); err != nil {
		return fmt.Errorf("orchestrator: rollback after reconcile mismatch: %w", err)
	}
	return uploaderr.ErrInvalidCrc
}

// GetProgress returns 100 * crcedBytes / originalSize.
func (o *Orchestrator) GetProgress(ctx context.Context, fileID string) (float64, error) {
	rec, err := o.store.Get(ctx, fileID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", uploaderr.ErrIncorrectRequest, err)
	}
	return rec.Progress(), nil
}

// GetConfig returns a snapshot of every pending file.
func (o *Orchestrator) GetConfig(ctx context.Context) ([]FileSnapshot, error) {
	records, err := o.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list files: %w", err)
	}
	out := make([]FileSnapshot, 0, len(records))
	for _, r := range records {
		out = append(out, FileSnapshot{
			FileID:            r.ID,
			Name:              r.OriginalName,
			CompletionInBytes: r.CompletionInBytes,
			CrcedBytes:        r.CrcedBytes,
			OriginalSize:      r.OriginalSize,
		})
	}
	return out, nil
}

// PauseFile sets the non-sticky pause flag on fileId.
func (o *Orchestrator) PauseFile(ctx context.Context, fileID string) error {
	rec, err := o.store.Get(ctx, fileID)
	if err != nil {
		return fmt.Errorf("%w: %v", uploaderr.ErrIncorrectRequest, err)
	}
	o.registry.Pause(fileID, rec.ClientID)
	return nil
}

// ResumeFile clears the pause flag on fileId.
func (o *Orchestrator) ResumeFile(ctx context.Context, fileID string) error {
	rec, err := o.store.Get(ctx, fileID)
	if err != nil {
		return fmt.Errorf("%w: %v", uploaderr.ErrIncorrectRequest, err)
	}
	o.registry.Resume(fileID, rec.ClientID)
	return nil
}

// CancelFile sets the sticky cancel flag on fileId. An in-flight (or
// future) chunk processor observes the flag and tears the upload down
// itself; if no processor is active yet (MarkCancel finds no registry
// entry), CancelFile tears it down directly instead of leaving it to be
// discovered later.
func (o *Orchestrator) CancelFile(ctx context.Context, fileID string) error {
	rec, err := o.store.Get(ctx, fileID)
	if err != nil {
		return fmt.Errorf("%w: %v", uploaderr.ErrIncorrectRequest, err)
	}
	if !o.registry.MarkCancel(fileID) {
		// No worker has touched this file yet; there is nothing for a
		// processor to observe, so tear it down here directly.
		if err := o.target.Delete(ctx, rec.Path); err != nil && !errors.Is(err, content.ErrNotExist) {
			return fmt.Errorf("orchestrator: delete content: %w", err)
		}
		if err := o.store.Remove(ctx, fileID); err != nil {
			return fmt.Errorf("orchestrator: remove record: %w", err)
		}
	}
	return nil
}

// SetUploadRate sets fileId's per-upload rate override. kb <= 0 clears
// the override, falling back to the limiter's default.
func (o *Orchestrator) SetUploadRate(ctx context.Context, fileID string, kb int64) error {
	rec, err := o.store.Get(ctx, fileID)
	if err != nil {
		return fmt.Errorf("%w: %v", uploaderr.ErrIncorrectRequest, err)
	}
	o.registry.AssignRate(fileID, rec.ClientID, kb)
	return nil
}
