// Package telephony answers phone calls over Twilio media streams and
// drives one pipeline run per caller utterance. Inbound audio arrives
// as 8 kHz mu-law; synthesized replies are companded back onto the
// stream.
package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/transports"
)

type Config struct {
	ServerAddr         string   `mapstructure:"server_addr"`
	PublicURL          string   `mapstructure:"public_url"`
	AccountSID         string   `mapstructure:"account_sid"`
	AuthToken          string   `mapstructure:"auth_token"`
	VoicePath          string   `mapstructure:"voice_path"`
	WebsocketPath      string   `mapstructure:"ws_path"`
	StatusCallbackPath string   `mapstructure:"status_callback_path"`
	VoiceGreeting      string   `mapstructure:"voice_greeting"`
	AllowAnyOrigin     bool     `mapstructure:"allow_any_origin"`
	AllowedOrigins     []string `mapstructure:"allowed_origins"`

	// PipelineID selects the pipeline for every call; empty means the
	// preferred pipeline.
	PipelineID string `mapstructure:"pipeline_id"`
	Language   string `mapstructure:"language"`
	// SpeechThreshold is the RMS level (int16 scale) a frame must reach
	// to open an utterance.
	SpeechThreshold float64       `mapstructure:"speech_threshold"`
	SilenceTimeout  time.Duration `mapstructure:"silence_timeout"`
	// PreRollFrames is how many 20 ms frames before the trigger are
	// replayed into the run.
	PreRollFrames int `mapstructure:"pre_roll_frames"`
	// TTSSampleRate is assumed for raw audio/pcm synthesis payloads,
	// which carry no rate of their own.
	TTSSampleRate int            `mapstructure:"tts_sample_rate"`
	TTSOutput     map[string]any `mapstructure:"tts_output"`
}

func (c Config) withDefaults() Config {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8090"
	}
	if c.VoicePath == "" {
		c.VoicePath = "/voice"
	}
	if c.WebsocketPath == "" {
		c.WebsocketPath = "/media"
	}
	if c.StatusCallbackPath == "" {
		c.StatusCallbackPath = "/status"
	}
	if !c.AllowAnyOrigin && len(c.AllowedOrigins) == 0 {
		c.AllowAnyOrigin = true
	}
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = 500
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 1500 * time.Millisecond
	}
	if c.PreRollFrames <= 0 {
		c.PreRollFrames = 25
	}
	if c.TTSSampleRate <= 0 {
		c.TTSSampleRate = 16000
	}
	return c
}

type Transport struct {
	cfg      Config
	launcher transports.RunLauncher
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
	ctx      context.Context

	mu          sync.Mutex
	calls       map[string]*call
	callStreams map[string]string

	draining atomic.Bool
}

func New(cfg Config, launcher transports.RunLauncher, logger *slog.Logger) *Transport {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		cfg:      cfg,
		launcher: launcher,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		calls:       make(map[string]*call),
		callStreams: make(map[string]string),
	}
	t.upgrader.CheckOrigin = t.checkOrigin
	return t
}

func (t *Transport) Name() string { return "telephony" }

func (t *Transport) ReadyFields() map[string]any {
	return map[string]any{
		"webhook_url":         t.voiceWebhookURL(),
		"status_callback_url": t.statusCallbackURL(),
	}
}

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	t.ctx = ctx
	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.VoicePath, t.handleVoice)
	mux.Handle(t.cfg.WebsocketPath, t)
	mux.HandleFunc(t.cfg.StatusCallbackPath, t.handleStatusCallback)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	t.server = &http.Server{
		Addr:              t.cfg.ServerAddr,
		ReadHeaderTimeout: 5 * time.Second,
		Handler:           mux,
	}
	go func() {
		<-ctx.Done()
		_ = t.server.Close()
	}()
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("telephony_server_error", "error", err)
		}
	}()
	return nil
}

func (t *Transport) Stop() error {
	t.draining.Store(true)
	if t.server != nil {
		_ = t.server.Close()
	}
	t.mu.Lock()
	calls := make([]*call, 0, len(t.calls))
	for _, c := range t.calls {
		calls = append(calls, c)
	}
	t.calls = make(map[string]*call)
	t.callStreams = make(map[string]string)
	t.mu.Unlock()
	for _, c := range calls {
		c.end()
	}
	return nil
}

// Dial places an outbound call that will hit the voice webhook when
// answered.
func (t *Transport) Dial(ctx context.Context, to, from string) (string, error) {
	return NewDialer(t.cfg).Dial(ctx, to, from)
}

// streamEvent is the Twilio media stream message envelope.
type streamEvent struct {
	Event string        `json:"event"`
	Start *streamStart  `json:"start,omitempty"`
	Media *streamMedia  `json:"media,omitempty"`
	Stop  *streamStop   `json:"stop,omitempty"`
}

type streamStart struct {
	CallSID  string `json:"callSid"`
	StreamID string `json:"streamSid"`
	From     string `json:"from"`
}

type streamMedia struct {
	Payload string `json:"payload"`
}

type streamStop struct {
	Reason string `json:"reason"`
}

func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if t.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := newSession(conn)
	go sess.writeLoop()
	defer sess.close()

	var streamID string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var evt streamEvent
		if err := json.Unmarshal(msg, &evt); err != nil {
			continue
		}
		switch evt.Event {
		case "start":
			if evt.Start == nil {
				continue
			}
			streamID = evt.Start.StreamID
			c := t.attach(streamID, evt.Start.CallSID, evt.Start.From, sess)
			go c.run(t.runContext())
		case "media":
			if evt.Media == nil || streamID == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
			if err != nil {
				continue
			}
			t.pushAudio(streamID, payload)
		case "stop":
			t.endCall(streamID)
			return
		}
	}
	if streamID != "" {
		t.endCall(streamID)
	}
}

func (t *Transport) attach(streamID, callSID, from string, sess *session) *call {
	c := &call{
		t:         t,
		sess:      sess,
		streamSID: streamID,
		callSID:   callSID,
		from:      from,
		convID:    uuid.NewString(),
		audioCh:   make(chan []byte, 512),
		hangup:    make(chan struct{}),
	}
	var old *call
	t.mu.Lock()
	if callSID != "" {
		if existing := t.callStreams[callSID]; existing != "" && existing != streamID {
			old = t.calls[existing]
			delete(t.calls, existing)
		}
		t.callStreams[callSID] = streamID
	}
	t.calls[streamID] = c
	t.mu.Unlock()
	if old != nil {
		old.end()
	}
	t.logger.Info("call_started", "call_sid", callSID, "stream_sid", streamID)
	return c
}

func (t *Transport) pushAudio(streamID string, payload []byte) {
	t.mu.Lock()
	c := t.calls[streamID]
	t.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case c.audioCh <- payload:
	default:
	}
}

func (t *Transport) endCall(streamID string) {
	if streamID == "" {
		return
	}
	t.mu.Lock()
	c := t.calls[streamID]
	delete(t.calls, streamID)
	if c != nil && c.callSID != "" && t.callStreams[c.callSID] == streamID {
		delete(t.callStreams, c.callSID)
	}
	t.mu.Unlock()
	if c != nil {
		c.end()
		t.logger.Info("call_ended", "call_sid", c.callSID, "stream_sid", streamID)
	}
}

func (t *Transport) streamForCall(callSID string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.callStreams[callSID]
}

func (t *Transport) runContext() context.Context {
	if t.ctx != nil {
		return t.ctx
	}
	return context.Background()
}

func (t *Transport) handleVoice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateSignature(r) {
		t.logger.Warn("voice_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	wsURL := t.websocketURL(r)
	greeting := strings.TrimSpace(t.cfg.VoiceGreeting)
	var twiml string
	if greeting != "" {
		twiml = `<Response><Say>` + xmlEscape(greeting) + `</Say><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	} else {
		twiml = `<Response><Connect><Stream url="` + wsURL + `"/></Connect></Response>`
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(twiml))
}

func (t *Transport) handleStatusCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if t.cfg.AuthToken != "" && !t.validateSignature(r) {
		t.logger.Warn("status_invalid_signature", "reason_code", string(errorsx.ReasonTransportInvalidSignature))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	callSID := r.FormValue("CallSid")
	if callSID == "" || !callOver(r.FormValue("CallStatus")) {
		w.WriteHeader(http.StatusOK)
		return
	}
	t.endCall(t.streamForCall(callSID))
	w.WriteHeader(http.StatusOK)
}

// callOver reports whether a Twilio call status means the leg is gone.
func callOver(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "busy", "failed", "no-answer", "no_answer", "noanswer", "canceled", "cancelled":
		return true
	default:
		return false
	}
}

func (t *Transport) validateSignature(r *http.Request) bool {
	signature := r.Header.Get("X-Twilio-Signature")
	if signature == "" || t.cfg.AuthToken == "" {
		return false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return false
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	validator := twilioclient.NewRequestValidator(t.cfg.AuthToken)
	return validator.ValidateBody(t.requestURL(r), body, signature)
}

func (t *Transport) requestURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return strings.TrimRight(t.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := r.URL.Scheme
	if scheme == "" {
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		} else {
			scheme = "https"
		}
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func (t *Transport) websocketURL(r *http.Request) string {
	if t.cfg.PublicURL != "" {
		return "wss://" + normalizePublicURL(t.cfg.PublicURL) + t.cfg.WebsocketPath
	}
	host := r.Host
	if host == "" {
		host = strings.TrimPrefix(t.cfg.ServerAddr, ":")
	}
	return "wss://" + host + t.cfg.WebsocketPath
}

func (t *Transport) voiceWebhookURL() string {
	return t.publicEndpoint(t.cfg.VoicePath)
}

func (t *Transport) statusCallbackURL() string {
	return t.publicEndpoint(t.cfg.StatusCallbackPath)
}

func (t *Transport) publicEndpoint(path string) string {
	if t.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(t.cfg.PublicURL) + path
	}
	addr := t.cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + path
}

func (t *Transport) checkOrigin(r *http.Request) bool {
	if t.cfg.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range t.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}

func normalizePublicURL(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}

// session owns the websocket write side of one media stream.
type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	quit   chan struct{}
	closed atomic.Bool
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:   conn,
		sendCh: make(chan []byte, 256),
		quit:   make(chan struct{}),
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.quit:
			return
		case msg := <-s.sendCh:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func (s *session) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.quit)
		_ = s.conn.Close()
	}
}

func (s *session) enqueue(msg map[string]any) {
	if s.closed.Load() {
		return
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case s.sendCh <- b:
	default:
	}
}

func (s *session) enqueueMedia(streamSID string, frame []byte) {
	s.enqueue(map[string]any{
		"event":     "media",
		"streamSid": streamSID,
		"media": map[string]any{
			"payload": base64.StdEncoding.EncodeToString(frame),
		},
	})
}

func (s *session) enqueueClear(streamSID string) {
	s.enqueue(map[string]any{
		"event":     "clear",
		"streamSid": streamSID,
	})
}
