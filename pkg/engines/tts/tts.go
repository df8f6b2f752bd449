package tts

import "context"

// Request describes one synthesis job.
type Request struct {
	Text     string
	Voice    string
	Language string
	Options  map[string]any
}

// Result is synthesized audio plus its container type.
type Result struct {
	Audio []byte
	MIME  string
}

// Engine defines the contract for any TTS vendor implementation.
type Engine interface {
	Synthesize(ctx context.Context, req Request) (Result, error)
}
