package transports

import (
	"context"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/pipeline"
)

// RunRequest is what a transport hands the assistant to start one
// pipeline run on behalf of a remote client.
type RunRequest struct {
	PipelineID     string
	StartStage     pipeline.Stage
	EndStage       pipeline.Stage
	ConversationID string
	DeviceID       string
	WakeWordPhrase string
	IntentInput    string
	TTSInput       string
	TTSOutput      map[string]any

	STTMetadata   *stt.Metadata
	Stream        <-chan []byte
	AudioSettings *audio.Settings
	Events        pipeline.EventSink
}

// RunLauncher starts pipeline runs for transports and the HTTP API.
// StartRun returns once the run is validated and executing; progress
// arrives through the request's event sink, terminal event last.
type RunLauncher interface {
	StartRun(ctx context.Context, req RunRequest) (*pipeline.Input, error)
}

// Transport is a network front door feeding audio into pipeline runs.
// Implementations own their listener lifecycle.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
}

// Dialer places outbound phone calls that attach to the telephony
// transport when answered.
type Dialer interface {
	Dial(ctx context.Context, to, from string) (callID string, err error)
}

// ReadyReporter lets transports expose endpoint metadata for startup
// logging. Optional.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
