package logger

import (
	"log/slog"
)

// Standard field keys for structured logging.
// Use these keys consistently across all log statements for log aggregation and querying.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Upload identity
	// ========================================================================
	KeyFileID   = "file_id"   // Opaque upload file identifier
	KeyClientID = "client_id" // Client identifier the file belongs to
	KeyFileName = "file_name" // Client-supplied original file name
	KeyPath     = "path"      // On-disk target path

	// ========================================================================
	// Chunk / CRC
	// ========================================================================
	KeyChunkLen     = "chunk_len"     // Length of the chunk body in bytes
	KeyDeclaredCRC  = "declared_crc"  // CRC hex declared by the client for a chunk
	KeyComputedCRC  = "computed_crc"  // CRC hex computed by the server
	KeyCrcedBytes   = "crced_bytes"   // Bytes validated against a client CRC
	KeyCompletion   = "completion"    // Current on-disk length
	KeyOriginalSize = "original_size" // Total announced file size

	// ========================================================================
	// Rate limiting
	// ========================================================================
	KeyAllowance    = "allowance"     // Bytes a writer may still consume this tick
	KeyInstantRate  = "instant_rate"  // Observed throughput in bytes/sec
	KeyDesiredRate  = "desired_rate"  // Requested rate override in KB/s
	KeyTick         = "tick"          // Rate limiter tick sequence number
	KeyActiveCount  = "active_count"  // Number of active configurations this tick

	// ========================================================================
	// Operation metadata
	// ========================================================================
	KeyDurationMs = "duration_ms" // Operation duration in milliseconds
	KeyError      = "error"       // Error message
	KeyOperation  = "operation"   // Sub-operation type for complex operations
	KeyReason     = "reason"      // Human-readable explanation
)

// TraceID returns a slog.Attr for OpenTelemetry trace ID.
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID.
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// FileID returns a slog.Attr for the upload file identifier.
func FileID(id string) slog.Attr {
	return slog.String(KeyFileID, id)
}

// ClientID returns a slog.Attr for the client identifier.
func ClientID(id string) slog.Attr {
	return slog.String(KeyClientID, id)
}

// FileName returns a slog.Attr for the client-supplied file name.
func FileName(name string) slog.Attr {
	return slog.String(KeyFileName, name)
}

// Path returns a slog.Attr for an on-disk path.
func Path(p string) slog.Attr {
	return slog.String(KeyPath, p)
}

// ChunkLen returns a slog.Attr for a chunk's byte length.
func ChunkLen(n int) slog.Attr {
	return slog.Int(KeyChunkLen, n)
}

// DeclaredCRC returns a slog.Attr for the CRC the client declared.
func DeclaredCRC(hex string) slog.Attr {
	return slog.String(KeyDeclaredCRC, hex)
}

// ComputedCRC returns a slog.Attr for the CRC the server computed.
func ComputedCRC(hex string) slog.Attr {
	return slog.String(KeyComputedCRC, hex)
}

// CrcedBytes returns a slog.Attr for the CRC-validated byte count.
func CrcedBytes(n uint64) slog.Attr {
	return slog.Uint64(KeyCrcedBytes, n)
}

// Completion returns a slog.Attr for the current on-disk length.
func Completion(n uint64) slog.Attr {
	return slog.Uint64(KeyCompletion, n)
}

// OriginalSize returns a slog.Attr for the total announced file size.
func OriginalSize(n uint64) slog.Attr {
	return slog.Uint64(KeyOriginalSize, n)
}

// Allowance returns a slog.Attr for the remaining per-tick allowance.
func Allowance(n int64) slog.Attr {
	return slog.Int64(KeyAllowance, n)
}

// InstantRate returns a slog.Attr for observed throughput in bytes/sec.
func InstantRate(bps float64) slog.Attr {
	return slog.Float64(KeyInstantRate, bps)
}

// DesiredRate returns a slog.Attr for a requested rate override in KB/s.
func DesiredRate(kb int64) slog.Attr {
	return slog.Int64(KeyDesiredRate, kb)
}

// Tick returns a slog.Attr for the rate limiter tick sequence number.
func Tick(n uint64) slog.Attr {
	return slog.Uint64(KeyTick, n)
}

// ActiveCount returns a slog.Attr for the number of active configurations.
func ActiveCount(n int) slog.Attr {
	return slog.Int(KeyActiveCount, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Operation returns a slog.Attr for a sub-operation name.
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// Reason returns a slog.Attr for a human-readable explanation.
func Reason(r string) slog.Attr {
	return slog.String(KeyReason, r)
}
