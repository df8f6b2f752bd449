package pipeline

import (
	"time"

	"github.com/naralabs/nara/pkg/engines"
	"github.com/naralabs/nara/pkg/engines/conversation"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/engines/tts"
	"github.com/naralabs/nara/pkg/engines/wake"
)

// Config describes one stored pipeline: which engine serves each stage
// and how speech is rendered. Immutable once resolved for a run.
type Config struct {
	ID                 string         `json:"id" mapstructure:"id"`
	Name               string         `json:"name" mapstructure:"name"`
	Language           string         `json:"language" mapstructure:"language"`
	WakeEngine         string         `json:"wake_engine,omitempty" mapstructure:"wake_engine"`
	STTEngine          string         `json:"stt_engine" mapstructure:"stt_engine"`
	ConversationEngine string         `json:"conversation_engine" mapstructure:"conversation_engine"`
	TTSEngine          string         `json:"tts_engine" mapstructure:"tts_engine"`
	TTSVoice           string         `json:"tts_voice,omitempty" mapstructure:"tts_voice"`
	TTSOutput          map[string]any `json:"tts_output,omitempty" mapstructure:"tts_output"`
}

// ConfigSource resolves a pipeline configuration by id. An empty id
// selects the preferred pipeline.
type ConfigSource interface {
	Get(id string) (Config, error)
}

// EngineResolver instantiates engines for a run. Implemented by
// engines.Registry; narrowed here so tests can swap it.
type EngineResolver interface {
	WakeEngine(id string) (wake.Engine, engines.Info, error)
	WakeEngineForLanguage(lang string) (wake.Engine, engines.Info, error)
	STTEngine(id string) (stt.Engine, engines.Info, error)
	ConversationEngine(id string) (conversation.Engine, engines.Info, error)
	TTSEngine(id string) (tts.Engine, engines.Info, error)
}

// MediaStore keeps synthesized audio retrievable by token after the
// run finished. Optional; without one the audio stays on the run only.
type MediaStore interface {
	Put(runID, mime string, data []byte) (token, url string, err error)
}

// WakeWordSettings tunes the wake stage of a run.
type WakeWordSettings struct {
	// Timeout bounds how long detection may scan before giving up.
	Timeout time.Duration `mapstructure:"timeout"`
	// BufferChunks is how many chunks of pre-detection audio are
	// replayed into STT.
	BufferChunks int `mapstructure:"buffer_chunks"`
	// Cooldown suppresses repeat detections of the same wake word.
	Cooldown time.Duration `mapstructure:"cooldown"`
}

func DefaultWakeWordSettings() WakeWordSettings {
	return WakeWordSettings{
		Timeout:      3 * time.Second,
		BufferChunks: 16,
		Cooldown:     2 * time.Second,
	}
}

// EventSink receives pipeline events in emission order.
type EventSink func(Event)
