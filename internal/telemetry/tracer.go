package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for upload pipeline operations.
const (
	// Client attributes.
	AttrClientID = "upload.client_id"

	// File/upload attributes.
	AttrFileID            = "upload.file_id"
	AttrFileName          = "upload.file_name"
	AttrOriginalSize      = "upload.original_size"
	AttrCompletionInBytes = "upload.completion_in_bytes"
	AttrCrcedBytes        = "upload.crced_bytes"
	AttrDeclaredCrc       = "upload.declared_crc"
	AttrComputedCrc       = "upload.computed_crc"

	// Rate limiter attributes.
	AttrAllowanceBytes  = "ratelimit.allowance_bytes"
	AttrInstantRateKB   = "ratelimit.instant_rate_kb"
	AttrAssignedRateKB  = "ratelimit.assigned_rate_kb"

	// Content/state store attributes.
	AttrContentPath = "content.path"
	AttrStoreType   = "store.type"
)

// Span names for upload pipeline operations.
const (
	SpanPrepareUpload  = "orchestrator.prepareUpload"
	SpanProcess        = "orchestrator.process"
	SpanVerifyCrc      = "orchestrator.verifyCrcOfUncheckedPart"
	SpanGetProgress    = "orchestrator.getProgress"
	SpanPauseFile      = "orchestrator.pauseFile"
	SpanResumeFile     = "orchestrator.resumeFile"
	SpanCancelFile     = "orchestrator.cancelFile"
	SpanSetUploadRate  = "orchestrator.setUploadRate"
	SpanChunkRead      = "chunkproc.read"
	SpanChunkAppend    = "chunkproc.append"
	SpanContentRead    = "content.read"
	SpanContentAppend  = "content.append"
	SpanContentTruncate = "content.truncate"
	SpanStateGet       = "state.get"
	SpanStateUpdate    = "state.update"
)

// FileID returns an attribute for the file identifier.
func FileID(id string) attribute.KeyValue {
	return attribute.String(AttrFileID, id)
}

// ClientID returns an attribute for the client identifier.
func ClientID(id string) attribute.KeyValue {
	return attribute.String(AttrClientID, id)
}

// FileName returns an attribute for the original file name.
func FileName(name string) attribute.KeyValue {
	return attribute.String(AttrFileName, name)
}

// OriginalSize returns an attribute for the declared original file size.
func OriginalSize(size int64) attribute.KeyValue {
	return attribute.Int64(AttrOriginalSize, size)
}

// CompletionInBytes returns an attribute for how far content has been
// written.
func CompletionInBytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrCompletionInBytes, n)
}

// CrcedBytes returns an attribute for how far content has been CRC-verified.
func CrcedBytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrCrcedBytes, n)
}

// DeclaredCrc returns an attribute for a caller-supplied CRC digest.
func DeclaredCrc(hex string) attribute.KeyValue {
	return attribute.String(AttrDeclaredCrc, hex)
}

// ComputedCrc returns an attribute for a locally computed CRC digest.
func ComputedCrc(hex string) attribute.KeyValue {
	return attribute.String(AttrComputedCrc, hex)
}

// AllowanceBytes returns an attribute for a rate limiter tick's granted
// allowance.
func AllowanceBytes(n int64) attribute.KeyValue {
	return attribute.Int64(AttrAllowanceBytes, n)
}

// InstantRateKB returns an attribute for an entry's observed throughput.
func InstantRateKB(kb int64) attribute.KeyValue {
	return attribute.Int64(AttrInstantRateKB, kb)
}

// AssignedRateKB returns an attribute for a client-requested rate override.
func AssignedRateKB(kb int64) attribute.KeyValue {
	return attribute.Int64(AttrAssignedRateKB, kb)
}

// ContentPath returns an attribute for a content target's backing path or
// key.
func ContentPath(path string) attribute.KeyValue {
	return attribute.String(AttrContentPath, path)
}

// StoreType returns an attribute naming the active state store backend.
func StoreType(t string) attribute.KeyValue {
	return attribute.String(AttrStoreType, t)
}

// StartOrchestratorSpan starts a span for an orchestrator operation scoped
// to one file.
func StartOrchestratorSpan(ctx context.Context, spanName, fileID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{FileID(fileID)}, attrs...)
	return StartSpan(ctx, spanName, trace.WithAttributes(allAttrs...))
}

// StartContentSpan starts a span for a content target operation.
func StartContentSpan(ctx context.Context, operation, path string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{ContentPath(path)}, attrs...)
	return StartSpan(ctx, "content."+operation, trace.WithAttributes(allAttrs...))
}

// StartStateSpan starts a span for a state store operation.
func StartStateSpan(ctx context.Context, operation, fileID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := append([]attribute.KeyValue{FileID(fileID)}, attrs...)
	return StartSpan(ctx, "state."+operation, trace.WithAttributes(allAttrs...))
}
