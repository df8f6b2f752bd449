package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/engines"
	"github.com/naralabs/nara/pkg/engines/conversation"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/engines/tts"
	"github.com/naralabs/nara/pkg/engines/wake"
	"github.com/naralabs/nara/pkg/errorsx"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) list() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// shape renders events as "type:stage" strings for order assertions.
func (l *eventLog) shape() []string {
	var out []string
	for _, ev := range l.list() {
		if ev.Stage != "" {
			out = append(out, fmt.Sprintf("%s:%s", ev.Type, ev.Stage))
		} else {
			out = append(out, string(ev.Type))
		}
	}
	return out
}

func assertShape(t *testing.T, log *eventLog, want ...string) {
	t.Helper()
	got := log.shape()
	if len(got) != len(want) {
		t.Fatalf("event shape mismatch:\n got %v\nwant %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

// assertOneTerminal checks the exactly-one-terminal-and-last invariant.
func assertOneTerminal(t *testing.T, log *eventLog) {
	t.Helper()
	evs := log.list()
	if len(evs) == 0 {
		t.Fatalf("no events emitted")
	}
	terminals := 0
	for _, ev := range evs {
		if ev.Type.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Fatalf("expected exactly one terminal event, got %d (%v)", terminals, log.shape())
	}
	if !evs[len(evs)-1].Type.Terminal() {
		t.Fatalf("terminal event is not last: %v", log.shape())
	}
}

type fakeSource map[string]Config

func (f fakeSource) Get(id string) (Config, error) {
	cfg, ok := f[id]
	if !ok {
		return Config{}, fmt.Errorf("pipeline not found: %s", id)
	}
	return cfg, nil
}

type fakeResolver struct {
	wake  wake.Engine
	stt   stt.Engine
	conv  conversation.Engine
	tts   tts.Engine
	calls int
}

func (f *fakeResolver) WakeEngine(id string) (wake.Engine, engines.Info, error) {
	f.calls++
	if f.wake == nil {
		return nil, engines.Info{}, errorsx.Wrap(fmt.Errorf("wake engine not registered: %s", id), errorsx.ReasonEngineNotFound)
	}
	return f.wake, engines.Info{ID: id}, nil
}

func (f *fakeResolver) WakeEngineForLanguage(lang string) (wake.Engine, engines.Info, error) {
	f.calls++
	if f.wake == nil {
		return nil, engines.Info{}, errorsx.Wrap(fmt.Errorf("no wake engine for language: %s", lang), errorsx.ReasonEngineNotFound)
	}
	return f.wake, engines.Info{ID: "by-language"}, nil
}

func (f *fakeResolver) STTEngine(id string) (stt.Engine, engines.Info, error) {
	f.calls++
	if f.stt == nil {
		return nil, engines.Info{}, errorsx.Wrap(fmt.Errorf("stt engine not registered: %s", id), errorsx.ReasonEngineNotFound)
	}
	return f.stt, engines.Info{ID: id}, nil
}

func (f *fakeResolver) ConversationEngine(id string) (conversation.Engine, engines.Info, error) {
	f.calls++
	if f.conv == nil {
		return nil, engines.Info{}, errorsx.Wrap(fmt.Errorf("conversation engine not registered: %s", id), errorsx.ReasonEngineNotFound)
	}
	return f.conv, engines.Info{ID: id}, nil
}

func (f *fakeResolver) TTSEngine(id string) (tts.Engine, engines.Info, error) {
	f.calls++
	if f.tts == nil {
		return nil, engines.Info{}, errorsx.Wrap(fmt.Errorf("tts engine not registered: %s", id), errorsx.ReasonEngineNotFound)
	}
	return f.tts, engines.Info{ID: id}, nil
}

// scriptWake emits the scripted detection once the matching chunk count
// is reached.
type scriptWake struct {
	detections map[int]*wake.Detection
	seen       int
	closed     bool
}

func (w *scriptWake) ProcessChunk(ctx context.Context, chunk []byte) (*wake.Detection, error) {
	w.seen++
	if det, ok := w.detections[w.seen]; ok {
		return det, nil
	}
	return nil, nil
}

func (w *scriptWake) Close() error {
	w.closed = true
	return nil
}

// scriptSTT records every chunk it consumes and returns the scripted
// transcript when the feed closes.
type scriptSTT struct {
	text     string
	err      error
	formats  []audio.Format
	consumed [][]byte
}

func (s *scriptSTT) SupportedFormats() []audio.Format {
	return s.formats
}

func (s *scriptSTT) Transcribe(ctx context.Context, meta stt.Metadata, chunks <-chan []byte) (stt.Result, error) {
	if s.err != nil {
		return stt.Result{}, s.err
	}
	for {
		select {
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				return stt.Result{Text: s.text}, nil
			}
			buf := make([]byte, len(c))
			copy(buf, c)
			s.consumed = append(s.consumed, buf)
		}
	}
}

type scriptConversation struct {
	resp conversation.Response
	err  error
	got  conversation.Request
}

func (c *scriptConversation) Converse(ctx context.Context, req conversation.Request) (conversation.Response, error) {
	c.got = req
	if c.err != nil {
		return conversation.Response{}, c.err
	}
	return c.resp, nil
}

type scriptTTS struct {
	res tts.Result
	err error
	got tts.Request
}

func (s *scriptTTS) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	s.got = req
	if s.err != nil {
		return tts.Result{}, s.err
	}
	return s.res, nil
}

type fakeMedia struct {
	token string
	url   string
	err   error
	mime  string
	size  int
}

func (m *fakeMedia) Put(runID, mime string, data []byte) (string, string, error) {
	if m.err != nil {
		return "", "", m.err
	}
	m.mime = mime
	m.size = len(data)
	return m.token, m.url, nil
}

func testConfig() Config {
	return Config{
		ID:                 "pl-test",
		Name:               "Test",
		Language:           "en",
		WakeEngine:         "wake-fake",
		STTEngine:          "stt-fake",
		ConversationEngine: "conv-fake",
		TTSEngine:          "tts-fake",
		TTSVoice:           "nova",
	}
}

func testMetadata() *stt.Metadata {
	return &stt.Metadata{
		Language: "en",
		Format:   audio.Format{Codec: audio.CodecPCM, SampleRate: 16000, BitDepth: 16, Channels: 1},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chunkStream returns a closed channel preloaded with chunks.
func chunkStream(chunks ...[]byte) <-chan []byte {
	ch := make(chan []byte, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return ch
}

func chunkOf(b byte) []byte {
	c := make([]byte, 4)
	for i := range c {
		c[i] = b
	}
	return c
}

func convResponse(speech, intent string) conversation.Response {
	return conversation.Response{Speech: speech, Intent: intent}
}

func ttsResult(data []byte, mime string) tts.Result {
	return tts.Result{Audio: data, MIME: mime}
}

func testBuilder(log *eventLog, stream <-chan []byte, res *fakeResolver) Builder {
	return Builder{
		Context:       context.Background(),
		EventCallback: log.sink,
		STTMetadata:   testMetadata(),
		AudioStream:   stream,
		Pipelines:     fakeSource{"": testConfig()},
		Engines:       res,
		Cooldown:      NewCooldownGate(),
		Logger:        quietLogger(),
	}
}
