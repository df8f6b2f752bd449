package nara

import (
	"fmt"

	"github.com/naralabs/nara/pkg/configutil"
	"github.com/naralabs/nara/pkg/engines"
	"github.com/naralabs/nara/pkg/engines/conversation"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/engines/tts"
	"github.com/naralabs/nara/pkg/engines/wake"
	"github.com/naralabs/nara/pkg/providers/deepgram"
	"github.com/naralabs/nara/pkg/providers/elevenlabs"
	"github.com/naralabs/nara/pkg/providers/mock"
	"github.com/naralabs/nara/pkg/providers/openai"
	"github.com/naralabs/nara/pkg/providers/openwake"
	"github.com/naralabs/nara/pkg/providers/polly"
)

// registerEngines validates every configured provider block against its
// schema and installs a factory in the registry. A bad settings block
// fails startup, not the first run that needs the engine.
func registerEngines(reg *engines.Registry, cfg EnginesConfig) error {
	for _, entry := range cfg.Wake {
		factory, err := wakeFactory(entry)
		if err != nil {
			return fmt.Errorf("engines.wake %s: %w", entry.Provider, err)
		}
		reg.RegisterWake(entryInfo(entry), factory)
	}
	for _, entry := range cfg.STT {
		factory, err := sttFactory(entry)
		if err != nil {
			return fmt.Errorf("engines.stt %s: %w", entry.Provider, err)
		}
		reg.RegisterSTT(entryInfo(entry), factory)
	}
	for _, entry := range cfg.Conversation {
		factory, err := conversationFactory(entry)
		if err != nil {
			return fmt.Errorf("engines.conversation %s: %w", entry.Provider, err)
		}
		reg.RegisterConversation(entryInfo(entry), factory)
	}
	for _, entry := range cfg.TTS {
		factory, err := ttsFactory(entry)
		if err != nil {
			return fmt.Errorf("engines.tts %s: %w", entry.Provider, err)
		}
		reg.RegisterTTS(entryInfo(entry), factory)
	}
	return nil
}

func entryInfo(entry EngineEntry) engines.Info {
	id := entry.ID
	if id == "" {
		id = entry.Provider
	}
	return engines.Info{ID: id, Languages: entry.Languages}
}

func wakeFactory(entry EngineEntry) (engines.WakeFactory, error) {
	switch entry.Provider {
	case "openwake":
		var settings openwake.Settings
		if err := decodeProvider(entry, openwake.Schema, &settings); err != nil {
			return nil, err
		}
		return func() (wake.Engine, error) { return openwake.New(settings), nil }, nil
	case "mock":
		var cfg mock.WakeConfig
		if err := configutil.DecodeSettings(entry.Settings, &cfg); err != nil {
			return nil, err
		}
		return func() (wake.Engine, error) { return mock.NewWake(cfg), nil }, nil
	default:
		return nil, fmt.Errorf("unknown wake provider: %s", entry.Provider)
	}
}

func sttFactory(entry EngineEntry) (engines.STTFactory, error) {
	switch entry.Provider {
	case "deepgram":
		var settings deepgram.Settings
		if err := decodeProvider(entry, deepgram.Schema, &settings); err != nil {
			return nil, err
		}
		// One engine per run keeps websocket state out of the registry.
		return func() (stt.Engine, error) { return deepgram.New(settings), nil }, nil
	case "mock":
		var cfg mock.STTConfig
		if err := configutil.DecodeSettings(entry.Settings, &cfg); err != nil {
			return nil, err
		}
		return func() (stt.Engine, error) { return mock.NewSTT(cfg), nil }, nil
	default:
		return nil, fmt.Errorf("unknown stt provider: %s", entry.Provider)
	}
}

func conversationFactory(entry EngineEntry) (engines.ConversationFactory, error) {
	switch entry.Provider {
	case "openai":
		var settings openai.Settings
		if err := decodeProvider(entry, openai.Schema, &settings); err != nil {
			return nil, err
		}
		// Shared across runs so conversation history survives turns.
		eng := openai.New(settings)
		return func() (conversation.Engine, error) { return eng, nil }, nil
	case "mock":
		var cfg mock.ConversationConfig
		if err := configutil.DecodeSettings(entry.Settings, &cfg); err != nil {
			return nil, err
		}
		eng := mock.NewConversation(cfg)
		return func() (conversation.Engine, error) { return eng, nil }, nil
	default:
		return nil, fmt.Errorf("unknown conversation provider: %s", entry.Provider)
	}
}

func ttsFactory(entry EngineEntry) (engines.TTSFactory, error) {
	switch entry.Provider {
	case "polly":
		var settings polly.Settings
		if err := decodeProvider(entry, polly.Schema, &settings); err != nil {
			return nil, err
		}
		eng := polly.New(settings)
		return func() (tts.Engine, error) { return eng, nil }, nil
	case "elevenlabs":
		var settings elevenlabs.Settings
		if err := decodeProvider(entry, elevenlabs.Schema, &settings); err != nil {
			return nil, err
		}
		eng := elevenlabs.New(settings)
		return func() (tts.Engine, error) { return eng, nil }, nil
	case "mock":
		var cfg mock.TTSConfig
		if err := configutil.DecodeSettings(entry.Settings, &cfg); err != nil {
			return nil, err
		}
		eng := mock.NewTTS(cfg)
		return func() (tts.Engine, error) { return eng, nil }, nil
	default:
		return nil, fmt.Errorf("unknown tts provider: %s", entry.Provider)
	}
}

func decodeProvider(entry EngineEntry, schema string, out any) error {
	settings := entry.Settings
	if settings == nil {
		settings = map[string]any{}
	}
	name := entry.Provider + ".settings.json"
	if err := configutil.ValidateJSON(name, schema, settings); err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	return configutil.DecodeSettings(settings, out)
}
