package polly

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	pollysdk "github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/naralabs/nara/pkg/engines/tts"
	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/resilience"
)

type fakePollyClient struct {
	out  *pollysdk.SynthesizeSpeechOutput
	err  error
	last *pollysdk.SynthesizeSpeechInput
}

func (f *fakePollyClient) SynthesizeSpeech(ctx context.Context, params *pollysdk.SynthesizeSpeechInput, optFns ...func(*pollysdk.Options)) (*pollysdk.SynthesizeSpeechOutput, error) {
	f.last = params
	return f.out, f.err
}

type fakeAPIError struct {
	code string
	msg  string
}

func (e fakeAPIError) Error() string                 { return e.code + ": " + e.msg }
func (e fakeAPIError) ErrorCode() string             { return e.code }
func (e fakeAPIError) ErrorMessage() string          { return e.msg }
func (e fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultServer }

func TestSynthesizeSuccess(t *testing.T) {
	client := &fakePollyClient{
		out: &pollysdk.SynthesizeSpeechOutput{
			AudioStream: io.NopCloser(bytes.NewReader([]byte("mp3-bytes"))),
		},
	}
	e := NewWithClient(Settings{}, client)

	res, err := e.Synthesize(context.Background(), tts.Request{Text: "hello", Voice: "Amy"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(res.Audio) != "mp3-bytes" || res.MIME != "audio/mpeg" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if client.last == nil || string(client.last.VoiceId) != "Amy" {
		t.Fatalf("request voice not forwarded: %+v", client.last)
	}
	if client.last.Engine != pollytypes.EngineNeural {
		t.Fatalf("default engine %s, want neural", client.last.Engine)
	}
}

func TestSynthesizeVoiceFallback(t *testing.T) {
	client := &fakePollyClient{
		out: &pollysdk.SynthesizeSpeechOutput{
			AudioStream: io.NopCloser(bytes.NewReader(nil)),
		},
	}
	e := NewWithClient(Settings{VoiceID: "Matthew"}, client)

	if _, err := e.Synthesize(context.Background(), tts.Request{Text: "hi"}); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if string(client.last.VoiceId) != "Matthew" {
		t.Fatalf("configured voice not used: %s", client.last.VoiceId)
	}
}

func TestSynthesizeOutputFormatOverride(t *testing.T) {
	client := &fakePollyClient{
		out: &pollysdk.SynthesizeSpeechOutput{
			AudioStream: io.NopCloser(bytes.NewReader([]byte{0, 0})),
		},
	}
	e := NewWithClient(Settings{}, client)

	res, err := e.Synthesize(context.Background(), tts.Request{
		Text:    "hi",
		Options: map[string]any{"output_format": "pcm"},
	})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if client.last.OutputFormat != pollytypes.OutputFormatPcm {
		t.Fatalf("override not applied: %s", client.last.OutputFormat)
	}
	if res.MIME != "audio/pcm" {
		t.Fatalf("mime %s", res.MIME)
	}
}

func TestSynthesizeErrorMapping(t *testing.T) {
	rateLimited := NewWithClient(Settings{},
		&fakePollyClient{err: fakeAPIError{code: "TooManyRequestsException", msg: "rate"}})
	_, err := rateLimited.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if !errorsx.HasReason(err, errorsx.ReasonTTSRateLimit) {
		t.Fatalf("expected rate limit reason, got %v", err)
	}
	var rle resilience.RateLimitError
	if !errors.As(err, &rle) || rle.Provider != "polly" {
		t.Fatalf("expected RateLimitError, got %v", err)
	}

	broken := NewWithClient(Settings{},
		&fakePollyClient{err: fakeAPIError{code: "InvalidSsmlException", msg: "bad ssml"}})
	_, err = broken.Synthesize(context.Background(), tts.Request{Text: "hi"})
	if err == nil || !strings.Contains(err.Error(), "InvalidSsmlException") {
		t.Fatalf("api error not surfaced: %v", err)
	}

	empty := NewWithClient(Settings{}, &fakePollyClient{out: &pollysdk.SynthesizeSpeechOutput{}})
	if _, err := empty.Synthesize(context.Background(), tts.Request{Text: "hi"}); err == nil {
		t.Fatalf("missing audio stream must fail")
	}
}
