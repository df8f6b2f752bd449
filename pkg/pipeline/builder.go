package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/logging"
	"github.com/naralabs/nara/pkg/metrics"
)

// Builder accumulates everything one run needs. Zero optional fields
// fall back to defaults in Build; the required fields fail fast.
type Builder struct {
	// Required.
	Context       context.Context
	EventCallback EventSink
	STTMetadata   *stt.Metadata
	AudioStream   <-chan []byte
	Pipelines     ConfigSource
	Engines       EngineResolver

	// Request parameters.
	PipelineID     string
	StartStage     Stage
	EndStage       Stage
	ConversationID string
	DeviceID       string
	// WakeWordPhrase marks the wake word as already detected upstream;
	// the wake stage is skipped even when it is in range.
	WakeWordPhrase string
	// IntentInput and TTSInput seed runs that start past the stt stage.
	IntentInput       string
	TTSInput          string
	TTSOutputOverride map[string]any

	// Optional knobs.
	RunID         string
	AudioSettings *audio.Settings
	WakeSettings  *WakeWordSettings
	Logger        *slog.Logger
	Observer      metrics.Observer
	Media         MediaStore
	DebugDir      string
	Cooldown      *CooldownGate
}

// Build validates the builder, resolves the pipeline configuration and
// returns a validated input ready to execute. No audio is consumed and
// no event is emitted before Build returns.
func (b Builder) Build() (*Input, error) {
	if b.Context == nil {
		return nil, configErr("context is required")
	}
	if b.EventCallback == nil {
		return nil, configErr("event callback is required")
	}
	if b.STTMetadata == nil {
		return nil, configErr("stt metadata is required")
	}
	if b.AudioStream == nil {
		return nil, configErr("audio stream is required")
	}
	if b.Pipelines == nil {
		return nil, configErr("pipeline source is required")
	}
	if b.Engines == nil {
		return nil, configErr("engine resolver is required")
	}

	start := b.StartStage
	if start == "" {
		start = StageSTT
	}
	end := b.EndStage
	if end == "" {
		end = StageTTS
	}
	if !start.Valid() {
		return nil, configErr(fmt.Sprintf("unknown start stage: %s", b.StartStage))
	}
	if !end.Valid() {
		return nil, configErr(fmt.Sprintf("unknown end stage: %s", b.EndStage))
	}
	if start.Index() > end.Index() {
		return nil, configErr(fmt.Sprintf("start stage %s is after end stage %s", start, end))
	}

	cfg, err := b.Pipelines.Get(b.PipelineID)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonPipelineNotFound)
	}

	settings := audio.DefaultSettings()
	if b.AudioSettings != nil {
		settings = *b.AudioSettings
	}
	if err := settings.Validate(); err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	wakeSettings := DefaultWakeWordSettings()
	if b.WakeSettings != nil {
		wakeSettings = *b.WakeSettings
	}

	runID := b.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.NewRunLogger(logger, runID)
	observer := b.Observer
	if observer == nil {
		observer = metrics.NoopObserver{}
	}
	gate := b.Cooldown
	if gate == nil {
		gate = DefaultCooldownGate()
	}

	ctx, cancel := context.WithCancel(b.Context)
	run := &Run{
		id:       runID,
		cfg:      cfg,
		start:    start,
		end:      end,
		settings: settings,
		wake:     wakeSettings,
		ctx:      ctx,
		cancel:   cancel,
		sink:     NewQueuedSink(b.EventCallback),
		logger:   logger,
		observer: observer,
		media:    b.Media,
		cooldown: gate,
		recorder: NewDebugRecorder(b.DebugDir, runID, settings, logger),
	}

	in := &Input{
		run:               run,
		conversationID:    b.ConversationID,
		deviceID:          b.DeviceID,
		sttMeta:           *b.STTMetadata,
		stream:            b.AudioStream,
		wakeWordPhrase:    b.WakeWordPhrase,
		intentInput:       b.IntentInput,
		ttsInput:          b.TTSInput,
		ttsOutputOverride: b.TTSOutputOverride,
		resolver:          b.Engines,
	}
	if err := in.Validate(); err != nil {
		run.release()
		return nil, err
	}
	return in, nil
}

func configErr(msg string) error {
	return errorsx.Wrap(errors.New(msg), errorsx.ReasonConfigInvalid)
}
