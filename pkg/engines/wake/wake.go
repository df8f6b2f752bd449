package wake

import "context"

// Detection reports a wake word found in the audio stream.
type Detection struct {
	WakeWordID string
	Phrase     string
}

// Engine defines the contract for any wake-word scanner implementation.
// One instance scans one run; state does not survive Close.
type Engine interface {
	// ProcessChunk feeds one fixed-format chunk. A non-nil Detection
	// means the chunk completed a wake word.
	ProcessChunk(ctx context.Context, chunk []byte) (*Detection, error)
	// Close releases scanner state.
	Close() error
}
