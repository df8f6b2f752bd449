package nara

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/briefing"
	"github.com/naralabs/nara/pkg/history"
	"github.com/naralabs/nara/pkg/mqttbridge"
	"github.com/naralabs/nara/pkg/pipeline"
	"github.com/naralabs/nara/pkg/server"
	"github.com/naralabs/nara/pkg/transports/satellite"
	"github.com/naralabs/nara/pkg/transports/telephony"
)

// Config is the whole assistant: stores, engines, transports and
// observability, loaded from one file with env expansion.
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`

	Server server.Config             `mapstructure:"server"`
	Store  StoreConfig               `mapstructure:"store"`
	Audio  audio.Settings            `mapstructure:"audio"`
	Wake   pipeline.WakeWordSettings `mapstructure:"wake"`

	Engines EnginesConfig `mapstructure:"engines"`

	Media         MediaConfig         `mapstructure:"media"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Privacy       PrivacyConfig       `mapstructure:"privacy"`
	Debug         DebugConfig         `mapstructure:"debug"`

	Satellite SatelliteConfig `mapstructure:"satellite"`
	Telephony TelephonyConfig `mapstructure:"telephony"`
	History   HistoryConfig   `mapstructure:"history"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Briefings briefing.Config `mapstructure:"briefings"`
}

// StoreConfig selects the pipeline store backend. "json" persists to
// Path; "memory" is for development and tests.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
}

// EngineEntry declares one provider instance. ID defaults to the
// provider name; Settings are provider-specific and schema-checked.
type EngineEntry struct {
	Provider  string         `mapstructure:"provider"`
	ID        string         `mapstructure:"id"`
	Languages []string       `mapstructure:"languages"`
	Settings  map[string]any `mapstructure:"settings"`
}

type EnginesConfig struct {
	Wake         []EngineEntry `mapstructure:"wake"`
	STT          []EngineEntry `mapstructure:"stt"`
	Conversation []EngineEntry `mapstructure:"conversation"`
	TTS          []EngineEntry `mapstructure:"tts"`
}

type MediaConfig struct {
	TTL      time.Duration `mapstructure:"ttl"`
	MaxItems int           `mapstructure:"max_items"`
	// URLBase prefixes the URLs handed out in tts events.
	URLBase string `mapstructure:"url_base"`
}

type ObservabilityConfig struct {
	ArtifactsDir  string `mapstructure:"artifacts_dir"`
	RetentionDays int    `mapstructure:"retention_days"`
	// MetricsFile appends every metric as JSON lines when set.
	MetricsFile string `mapstructure:"metrics_file"`
	// SampleRate thins the metrics-file stream; 1 writes everything.
	SampleRate float64 `mapstructure:"sample_rate"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

type DebugConfig struct {
	// AudioDir enables per-stage WAV taps for every run.
	AudioDir string `mapstructure:"audio_dir"`
}

type SatelliteConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	satellite.Config `mapstructure:",squash"`
}

type TelephonyConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	telephony.Config `mapstructure:",squash"`
}

type HistoryConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	history.Config `mapstructure:",squash"`
}

type MQTTConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	mqttbridge.Config `mapstructure:",squash"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("server.addr", ":8130")
	v.SetDefault("store.backend", "json")
	v.SetDefault("store.path", "pipelines.json")
	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.sample_width", 2)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.chunk_samples", 1024)
	v.SetDefault("audio.volume_multiplier", 1.0)
	v.SetDefault("wake.timeout", "3s")
	v.SetDefault("wake.buffer_chunks", 16)
	v.SetDefault("wake.cooldown", "2s")
	v.SetDefault("media.ttl", "5m")
	v.SetDefault("media.max_items", 64)
	v.SetDefault("media.url_base", "/api/media")
	v.SetDefault("observability.artifacts_dir", "")
	v.SetDefault("observability.retention_days", 0)
	v.SetDefault("observability.sample_rate", 1.0)
	v.SetDefault("privacy.redact_pii", true)
	v.SetDefault("satellite.enabled", false)
	v.SetDefault("telephony.enabled", false)
	v.SetDefault("history.enabled", false)
	v.SetDefault("mqtt.enabled", false)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Store.Backend)) {
	case "memory":
	case "json", "":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("store.path is required for the json backend")
		}
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Backend)
	}
	if len(c.Engines.STT) == 0 {
		return fmt.Errorf("engines.stt: at least one provider is required")
	}
	if len(c.Engines.Conversation) == 0 {
		return fmt.Errorf("engines.conversation: at least one provider is required")
	}
	if len(c.Engines.TTS) == 0 {
		return fmt.Errorf("engines.tts: at least one provider is required")
	}
	if c.History.Enabled && strings.TrimSpace(c.History.Addr) == "" {
		return fmt.Errorf("history.addr is required when history is enabled")
	}
	if c.MQTT.Enabled && strings.TrimSpace(c.MQTT.Broker) == "" {
		return fmt.Errorf("mqtt.broker is required when the mqtt bridge is enabled")
	}
	return nil
}

// expandEnvStrings walks the config and expands ${VAR} in every string,
// including the free-form provider settings maps.
func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	for _, list := range [][]EngineEntry{
		cfg.Engines.Wake, cfg.Engines.STT, cfg.Engines.Conversation, cfg.Engines.TTS,
	} {
		for i := range list {
			list[i].Settings = expandSettings(list[i].Settings)
		}
	}
	cfg.Telephony.TTSOutput = expandSettings(cfg.Telephony.TTSOutput)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, item := range val {
			val[k] = expandAny(item)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(item)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				expanded := os.ExpandEnv(v.MapIndex(key).String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
