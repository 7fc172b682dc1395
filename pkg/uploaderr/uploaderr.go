// Package uploaderr defines the error taxonomy the orchestrator and chunk
// processor surface to callers, using a per-package
// sentinel-error style (see pkg/controlplane/models/errors.go).
package uploaderr

import "errors"

var (
	// ErrMissingParameter is returned synchronously from prepareUpload when
	// size <= 0 or name is blank.
	ErrMissingParameter = errors.New("uploaderr: required parameter missing or invalid")

	// ErrInvalidCrc is returned when a chunk's declared CRC does not match
	// the bytes received, either at chunk EOF or from
	// verifyCrcOfUncheckedPart.
	ErrInvalidCrc = errors.New("uploaderr: crc mismatch")

	// ErrStreamDisconnected is returned when the inbound stream fails
	// mid-chunk. The client must reconcile via verifyCrcOfUncheckedPart
	// before the next process call.
	ErrStreamDisconnected = errors.New("uploaderr: client stopped streaming")

	// ErrCancelled is returned when a chunk's processor observes the
	// cancel flag. Terminal for the file.
	ErrCancelled = errors.New("uploaderr: upload cancelled")

	// ErrIncorrectRequest covers malformed or out-of-sequence requests
	// that aren't a CRC or disconnect failure, e.g. a fileId with no
	// matching FileRecord.
	ErrIncorrectRequest = errors.New("uploaderr: incorrect request")

	// ErrPauseTimeout is returned when a worker parked on the paused flag
	// exceeds an operator-configured MaxPauseDuration. Unbounded parking
	// is the documented default; this only fires when an operator
	// opts into a bound.
	ErrPauseTimeout = errors.New("uploaderr: paused past configured maximum")
)
