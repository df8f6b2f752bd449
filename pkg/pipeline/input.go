package pipeline

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/engines"
	"github.com/naralabs/nara/pkg/engines/conversation"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/engines/tts"
	"github.com/naralabs/nara/pkg/engines/wake"
	"github.com/naralabs/nara/pkg/errorsx"
)

// Input is one validated pipeline request. Build produces it already
// validated; Execute runs it exactly once.
type Input struct {
	run *Run

	conversationID    string
	deviceID          string
	sttMeta           stt.Metadata
	stream            <-chan []byte
	wakeWordPhrase    string
	intentInput       string
	ttsInput          string
	ttsOutputOverride map[string]any

	resolver EngineResolver

	wakeEngine wake.Engine
	wakeInfo   engines.Info
	sttEngine  stt.Engine
	convEngine conversation.Engine
	ttsEngine  tts.Engine

	validated   bool
	validateErr error
	executed    atomic.Bool
}

// Validate checks the request against the resolved pipeline and
// instantiates the engines of every stage in range. It consumes no
// audio, emits no event, and is idempotent: repeat calls return the
// first outcome without re-resolving.
func (in *Input) Validate() error {
	if in.validated {
		return in.validateErr
	}
	in.validated = true
	in.validateErr = in.validate()
	return in.validateErr
}

func (in *Input) validate() error {
	if in.conversationID == "" {
		in.conversationID = uuid.NewString()
	}

	r := in.run
	cfg := r.cfg

	if r.start == StageWake && in.wakeWordPhrase == "" {
		var (
			eng  wake.Engine
			info engines.Info
			err  error
		)
		if cfg.WakeEngine != "" {
			eng, info, err = in.resolver.WakeEngine(cfg.WakeEngine)
		} else {
			eng, info, err = in.resolver.WakeEngineForLanguage(cfg.Language)
		}
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonEngineNotFound)
		}
		in.wakeEngine = eng
		in.wakeInfo = info
	}

	if r.inRange(StageSTT) {
		if cfg.STTEngine == "" {
			return configErr(fmt.Sprintf("pipeline %s has no stt engine", cfg.ID))
		}
		eng, _, err := in.resolver.STTEngine(cfg.STTEngine)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonEngineNotFound)
		}
		if caps := eng.SupportedFormats(); len(caps) > 0 && !audio.Supported(in.sttMeta.Format, caps) {
			return errorsx.Wrap(
				fmt.Errorf("stt engine %s does not support %s", cfg.STTEngine, in.sttMeta.Format),
				errorsx.ReasonFormatUnsupported,
			)
		}
		in.sttEngine = eng
	}

	if r.start == StageIntent && strings.TrimSpace(in.intentInput) == "" {
		return configErr("intent input is required when starting at intent")
	}
	if r.inRange(StageIntent) {
		if cfg.ConversationEngine == "" {
			return configErr(fmt.Sprintf("pipeline %s has no conversation engine", cfg.ID))
		}
		eng, _, err := in.resolver.ConversationEngine(cfg.ConversationEngine)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonEngineNotFound)
		}
		in.convEngine = eng
	}

	if r.start == StageTTS && strings.TrimSpace(in.ttsInput) == "" {
		return configErr("tts input is required when starting at tts")
	}
	if r.inRange(StageTTS) {
		if cfg.TTSEngine == "" {
			return configErr(fmt.Sprintf("pipeline %s has no tts engine", cfg.ID))
		}
		eng, _, err := in.resolver.TTSEngine(cfg.TTSEngine)
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonEngineNotFound)
		}
		in.ttsEngine = eng
	}

	return nil
}

// ID returns the run identifier.
func (in *Input) ID() string {
	return in.run.id
}

// ConversationID is stable after the first Validate call.
func (in *Input) ConversationID() string {
	return in.conversationID
}

// Config returns the resolved pipeline configuration.
func (in *Input) Config() Config {
	return in.run.cfg
}

// Cancel aborts the run. Safe from any goroutine.
func (in *Input) Cancel() {
	in.run.cancel()
}

// Audio returns the synthesized speech once the tts stage finished.
func (in *Input) Audio() (data []byte, mime string) {
	return in.run.ttsAudio, in.run.ttsMIME
}
