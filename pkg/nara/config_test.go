package nara

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nara.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
store:
  backend: memory
engines:
  stt:
    - provider: mock
  conversation:
    - provider: mock
  tts:
    - provider: mock
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "development" || cfg.LogLevel != "info" {
		t.Fatalf("base defaults: %+v", cfg)
	}
	if cfg.Server.Addr != ":8130" {
		t.Fatalf("server addr: %q", cfg.Server.Addr)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.Channels != 1 || cfg.Audio.ChunkSamples != 1024 {
		t.Fatalf("audio defaults: %+v", cfg.Audio)
	}
	if cfg.Wake.Timeout != 3*time.Second || cfg.Wake.BufferChunks != 16 || cfg.Wake.Cooldown != 2*time.Second {
		t.Fatalf("wake defaults: %+v", cfg.Wake)
	}
	if cfg.Media.TTL != 5*time.Minute || cfg.Media.MaxItems != 64 || cfg.Media.URLBase != "/api/media" {
		t.Fatalf("media defaults: %+v", cfg.Media)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("redaction should default on")
	}
	if cfg.Satellite.Enabled || cfg.Telephony.Enabled || cfg.History.Enabled || cfg.MQTT.Enabled {
		t.Fatalf("optional transports should default off")
	}
}

func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("NARA_TEST_KEY", "sk-test-123")
	t.Setenv("NARA_TEST_ADDR", ":9001")

	cfg, err := LoadConfig(writeConfig(t, `
server:
  addr: ${NARA_TEST_ADDR}
store:
  backend: memory
engines:
  stt:
    - provider: mock
  conversation:
    - provider: mock
      settings:
        replies:
          hello: ${NARA_TEST_KEY}
  tts:
    - provider: mock
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != ":9001" {
		t.Fatalf("addr not expanded: %q", cfg.Server.Addr)
	}
	settings := cfg.Engines.Conversation[0].Settings
	replies, ok := settings["replies"].(map[string]any)
	if !ok {
		t.Fatalf("replies settings: %#v", settings)
	}
	if replies["hello"] != "sk-test-123" {
		t.Fatalf("nested setting not expanded: %#v", replies)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing stt", `
store: {backend: memory}
engines:
  conversation: [{provider: mock}]
  tts: [{provider: mock}]
`},
		{"unknown store backend", `
store: {backend: etcd}
engines:
  stt: [{provider: mock}]
  conversation: [{provider: mock}]
  tts: [{provider: mock}]
`},
		{"history without addr", `
store: {backend: memory}
engines:
  stt: [{provider: mock}]
  conversation: [{provider: mock}]
  tts: [{provider: mock}]
history: {enabled: true}
`},
		{"mqtt without broker", `
store: {backend: memory}
engines:
  stt: [{provider: mock}]
  conversation: [{provider: mock}]
  tts: [{provider: mock}]
mqtt: {enabled: true}
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tc.body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
