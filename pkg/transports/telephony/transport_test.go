package telephony

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/engines"
	"github.com/naralabs/nara/pkg/engines/conversation"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/engines/tts"
	"github.com/naralabs/nara/pkg/engines/wake"
	"github.com/naralabs/nara/pkg/pipeline"
	"github.com/naralabs/nara/pkg/transports"
)

type staticSource struct{ cfg pipeline.Config }

func (s staticSource) Get(id string) (pipeline.Config, error) { return s.cfg, nil }

type staticResolver struct {
	stt  stt.Engine
	conv conversation.Engine
	tts  tts.Engine
}

func (r *staticResolver) WakeEngine(id string) (wake.Engine, engines.Info, error) {
	return nil, engines.Info{}, errors.New("no wake engine")
}

func (r *staticResolver) WakeEngineForLanguage(lang string) (wake.Engine, engines.Info, error) {
	return nil, engines.Info{}, errors.New("no wake engine")
}

func (r *staticResolver) STTEngine(id string) (stt.Engine, engines.Info, error) {
	return r.stt, engines.Info{ID: id}, nil
}

func (r *staticResolver) ConversationEngine(id string) (conversation.Engine, engines.Info, error) {
	return r.conv, engines.Info{ID: id}, nil
}

func (r *staticResolver) TTSEngine(id string) (tts.Engine, engines.Info, error) {
	return r.tts, engines.Info{ID: id}, nil
}

type drainSTT struct {
	mu    sync.Mutex
	bytes int
}

func (s *drainSTT) SupportedFormats() []audio.Format { return nil }

func (s *drainSTT) Transcribe(ctx context.Context, meta stt.Metadata, chunks <-chan []byte) (stt.Result, error) {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				s.mu.Lock()
				s.bytes += n
				s.mu.Unlock()
				return stt.Result{Text: "hello from the phone"}, nil
			}
			n += len(c)
		}
	}
}

type echoConversation struct{}

func (echoConversation) Converse(ctx context.Context, req conversation.Request) (conversation.Response, error) {
	return conversation.Response{Speech: "hi caller"}, nil
}

// wavTTS returns a playable mono 16-bit container so play() can compand
// the reply back onto the stream.
type wavTTS struct{ rate int }

func (f wavTTS) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	s := audio.DefaultSettings()
	s.SampleRate = f.rate
	data, err := audio.EncodeWAV(s, make([]byte, 640))
	return tts.Result{Audio: data, MIME: "audio/wav"}, err
}

type buildLauncher struct {
	resolver *staticResolver
	err      error
}

func (l *buildLauncher) StartRun(ctx context.Context, req transports.RunRequest) (*pipeline.Input, error) {
	if l.err != nil {
		return nil, l.err
	}
	b := pipeline.Builder{
		Context:           ctx,
		EventCallback:     req.Events,
		STTMetadata:       req.STTMetadata,
		AudioStream:       req.Stream,
		Pipelines:         staticSource{cfg: pipeline.Config{ID: "pl-tel", STTEngine: "s", ConversationEngine: "c", TTSEngine: "t"}},
		Engines:           l.resolver,
		PipelineID:        req.PipelineID,
		StartStage:        req.StartStage,
		EndStage:          req.EndStage,
		ConversationID:    req.ConversationID,
		DeviceID:          req.DeviceID,
		TTSOutputOverride: req.TTSOutput,
		AudioSettings:     req.AudioSettings,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cooldown:          pipeline.NewCooldownGate(),
	}
	in, err := b.Build()
	if err != nil {
		return nil, err
	}
	go func() { _ = in.Execute() }()
	return in, nil
}

func testTransport(t *testing.T, launcher transports.RunLauncher) (*Transport, *httptest.Server) {
	t.Helper()
	tr := New(Config{
		SpeechThreshold: 500,
		SilenceTimeout:  150 * time.Millisecond,
		PreRollFrames:   5,
	}, launcher, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(tr)
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = tr.Stop() })
	return tr, srv
}

// loudFrame and quietFrame are 20 ms mu-law media payloads above and
// below the speech threshold.
func loudFrame() []byte {
	pcm := make([]byte, frameBytes*2)
	for i := 0; i < frameBytes; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(8000)))
	}
	return audio.EncodeMuLaw(pcm)
}

func quietFrame() []byte {
	return audio.EncodeMuLaw(make([]byte, frameBytes*2))
}

func writeStreamEvent(t *testing.T, conn *websocket.Conn, v map[string]any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestMediaStreamUtteranceRoundTrip(t *testing.T) {
	launcher := &buildLauncher{resolver: &staticResolver{
		stt:  &drainSTT{},
		conv: echoConversation{},
		tts:  wavTTS{rate: 16000},
	}}
	_, srv := testTransport(t, launcher)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	writeStreamEvent(t, conn, map[string]any{
		"event": "start",
		"start": map[string]any{"callSid": "CA1", "streamSid": "MZ1", "from": "+15550100"},
	})

	// Caller speaks, then goes quiet long enough for the silence
	// timeout to close the utterance. Silence keeps flowing the way a
	// real phone line does.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			writeStreamEvent(t, conn, map[string]any{
				"event": "media",
				"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(loudFrame())},
			})
			time.Sleep(5 * time.Millisecond)
		}
		for i := 0; i < 200; i++ {
			writeStreamEvent(t, conn, map[string]any{
				"event": "media",
				"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(quietFrame())},
			})
			time.Sleep(5 * time.Millisecond)
		}
	}()

	// The reply comes back as media frames on the same stream.
	var reply []byte
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg struct {
			Event     string `json:"event"`
			StreamSID string `json:"streamSid"`
			Media     struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		if msg.Event != "media" {
			continue
		}
		if msg.StreamSID != "MZ1" {
			t.Fatalf("stream sid %q", msg.StreamSID)
		}
		frame, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		reply = append(reply, frame...)
		// 640 bytes of 16 kHz PCM halve to 160 mu-law bytes at 8 kHz.
		if len(reply) >= 160 {
			break
		}
	}
	<-done
}

func TestVoiceWebhookReturnsStreamTwiML(t *testing.T) {
	tr := New(Config{PublicURL: "https://assist.example.com", VoiceGreeting: "one < two"}, nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodPost, "/voice", nil)
	rec := httptest.NewRecorder()
	tr.handleVoice(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `<Stream url="wss://assist.example.com/media"/>`) {
		t.Fatalf("twiml missing stream url: %s", body)
	}
	if !strings.Contains(body, "<Say>one &lt; two</Say>") {
		t.Fatalf("greeting not escaped: %s", body)
	}
}

func TestVoiceWebhookRejectsBadSignature(t *testing.T) {
	tr := New(Config{AuthToken: "secret"}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	req := httptest.NewRequest(http.MethodPost, "/voice", strings.NewReader(url.Values{"CallSid": {"CA1"}}.Encode()))
	req.Header.Set("X-Twilio-Signature", "bogus")
	rec := httptest.NewRecorder()
	tr.handleVoice(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCallOver(t *testing.T) {
	for _, status := range []string{"completed", "busy", "failed", "no-answer", "canceled"} {
		if !callOver(status) {
			t.Fatalf("%s should end the call", status)
		}
	}
	for _, status := range []string{"ringing", "in-progress", "queued", ""} {
		if callOver(status) {
			t.Fatalf("%s should not end the call", status)
		}
	}
}

func TestDecodeSynthesis(t *testing.T) {
	s := audio.DefaultSettings()
	s.SampleRate = 22050
	wav, err := audio.EncodeWAV(s, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	pcm, rate, ok := decodeSynthesis(wav, "audio/wav", 16000)
	if !ok || rate != 22050 || len(pcm) != 4 {
		t.Fatalf("wav decode: ok=%v rate=%d len=%d", ok, rate, len(pcm))
	}

	pcm, rate, ok = decodeSynthesis([]byte{9, 9}, "audio/pcm", 16000)
	if !ok || rate != 16000 || len(pcm) != 2 {
		t.Fatalf("pcm decode: ok=%v rate=%d len=%d", ok, rate, len(pcm))
	}

	if _, _, ok := decodeSynthesis([]byte("mp3data"), "audio/mpeg", 16000); ok {
		t.Fatalf("mp3 should be unplayable")
	}
}

type stubCreator struct {
	last *api.CreateCallParams
	sid  string
	err  error
}

func (s *stubCreator) CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error) {
	s.last = params
	if s.err != nil {
		return nil, s.err
	}
	return &api.ApiV2010Call{Sid: &s.sid}, nil
}

func TestDialerDial(t *testing.T) {
	stub := &stubCreator{sid: "CA123"}
	d := NewDialer(Config{
		AccountSID: "AC1",
		AuthToken:  "token",
		PublicURL:  "https://assist.example.com",
	})
	d.client = stub

	sid, err := d.Dial(context.Background(), "+100", "+200")
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	if sid != "CA123" {
		t.Fatalf("expected sid CA123, got %s", sid)
	}
	if stub.last == nil || stub.last.To == nil || *stub.last.To != "+100" {
		t.Fatalf("expected To param")
	}
	if stub.last.Url == nil || *stub.last.Url != "https://assist.example.com/voice" {
		t.Fatalf("expected voice webhook url, got %v", stub.last.Url)
	}
}

func TestDialerRequiresCredentials(t *testing.T) {
	d := NewDialer(Config{})
	if _, err := d.Dial(context.Background(), "+100", "+200"); err == nil {
		t.Fatalf("expected credential error")
	}
}
