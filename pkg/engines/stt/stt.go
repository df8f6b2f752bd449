package stt

import (
	"context"

	"github.com/naralabs/nara/pkg/audio"
)

// Metadata describes the inbound stream for one transcription.
type Metadata struct {
	Language string
	Format   audio.Format
}

// Result is the final transcript of one utterance.
type Result struct {
	Text string
}

// Engine defines the contract for any STT vendor implementation.
type Engine interface {
	// SupportedFormats lists formats the engine accepts.
	// An empty list accepts anything.
	SupportedFormats() []audio.Format
	// Transcribe consumes chunks until end of speech or channel close
	// and returns the final transcript.
	Transcribe(ctx context.Context, meta Metadata, chunks <-chan []byte) (Result, error)
}
