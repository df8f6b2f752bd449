package server

import (
	"encoding/json"
	"sync"

	"github.com/gofiber/websocket/v2"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/configutil"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/pipeline"
	"github.com/naralabs/nara/pkg/transports"
)

// commandSchema rejects malformed control frames before they touch run
// state. Binary frames are audio and bypass it.
const commandSchema = `{
  "type": "object",
  "properties": {
    "type": {"enum": ["run_start", "audio_end", "run_cancel"]},
    "pipeline_id": {"type": "string"},
    "conversation_id": {"type": "string"},
    "device_id": {"type": "string"},
    "language": {"type": "string"},
    "sample_rate": {"type": "integer", "minimum": 8000},
    "channels": {"type": "integer", "minimum": 1, "maximum": 8},
    "start_stage": {"enum": ["wake_word", "stt", "intent", "tts"]},
    "end_stage": {"enum": ["wake_word", "stt", "intent", "tts"]},
    "wake_word_phrase": {"type": "string"},
    "intent_input": {"type": "string"},
    "tts_input": {"type": "string"},
    "tts_output": {"type": "object"}
  },
  "required": ["type"],
  "additionalProperties": false
}`

var compiledCommandSchema = configutil.MustCompileSchema("command.json", commandSchema)

type runCommand struct {
	Type           string         `json:"type"`
	PipelineID     string         `json:"pipeline_id"`
	ConversationID string         `json:"conversation_id"`
	DeviceID       string         `json:"device_id"`
	Language       string         `json:"language"`
	SampleRate     int            `json:"sample_rate"`
	Channels       int            `json:"channels"`
	StartStage     string         `json:"start_stage"`
	EndStage       string         `json:"end_stage"`
	WakeWordPhrase string         `json:"wake_word_phrase"`
	IntentInput    string         `json:"intent_input"`
	TTSInput       string         `json:"tts_input"`
	TTSOutput      map[string]any `json:"tts_output"`
}

// wsClient serializes writes: the event sink, the delivery goroutine
// and the read loop all talk to the same connection.
type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex

	run        *pipeline.Input
	stream     chan []byte
	streamOpen bool
	runDone    chan struct{}
}

func (w *wsClient) write(mt int, data []byte) {
	w.mu.Lock()
	_ = w.conn.WriteMessage(mt, data)
	w.mu.Unlock()
}

func (w *wsClient) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.write(websocket.TextMessage, b)
}

func (w *wsClient) sendError(code errorsx.ReasonCode, msg string) {
	w.sendJSON(map[string]any{"type": "error", "code": string(code), "message": msg})
}

// handleRunSocket serves one pipeline run per connection: JSON control
// frames in, binary audio in, ordered events out, synthesized audio
// last, then the server closes the exchange.
func (s *Server) handleRunSocket(conn *websocket.Conn) {
	w := &wsClient{conn: conn}
	defer func() {
		w.mu.Lock()
		if w.run != nil {
			w.run.Cancel()
		}
		w.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			w.pushAudio(msg)
		case websocket.TextMessage:
			s.handleRunCommand(w, msg)
		}
	}
}

func (s *Server) handleRunCommand(w *wsClient, raw []byte) {
	if err := configutil.ValidateBytes(compiledCommandSchema, raw); err != nil {
		w.sendError(errorsx.ReasonConfigInvalid, err.Error())
		return
	}
	var cmd runCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		w.sendError(errorsx.ReasonConfigInvalid, "malformed command")
		return
	}
	switch cmd.Type {
	case "run_start":
		s.startSocketRun(w, cmd)
	case "audio_end":
		w.endAudio()
	case "run_cancel":
		w.cancelRun()
	}
}

func (s *Server) startSocketRun(w *wsClient, cmd runCommand) {
	w.mu.Lock()
	active := w.run != nil
	w.mu.Unlock()
	if active {
		w.sendError(errorsx.ReasonConfigInvalid, "run already active on this connection")
		return
	}
	if s.deps.Launcher == nil {
		w.sendError(errorsx.ReasonConfigInvalid, "run launcher not configured")
		return
	}

	sampleRate := cmd.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := cmd.Channels
	if channels == 0 {
		channels = 1
	}
	settings := audio.DefaultSettings()
	settings.SampleRate = sampleRate
	settings.Channels = channels

	stream := make(chan []byte, 64)
	runDone := make(chan struct{})
	announced := make(chan struct{})
	events := func(ev pipeline.Event) {
		<-announced
		w.sendJSON(map[string]any{"type": "event", "event": ev})
		if ev.Type.Terminal() {
			close(runDone)
		}
	}

	in, err := s.deps.Launcher.StartRun(s.runContext(), transports.RunRequest{
		PipelineID:     cmd.PipelineID,
		StartStage:     pipeline.Stage(cmd.StartStage),
		EndStage:       pipeline.Stage(cmd.EndStage),
		ConversationID: cmd.ConversationID,
		DeviceID:       cmd.DeviceID,
		WakeWordPhrase: cmd.WakeWordPhrase,
		IntentInput:    cmd.IntentInput,
		TTSInput:       cmd.TTSInput,
		TTSOutput:      cmd.TTSOutput,
		STTMetadata: &stt.Metadata{
			Language: cmd.Language,
			Format: audio.Format{
				Codec:      audio.CodecPCM,
				SampleRate: sampleRate,
				BitDepth:   16,
				Channels:   channels,
			},
		},
		Stream:        stream,
		AudioSettings: &settings,
		Events:        events,
	})
	if err != nil {
		close(announced)
		w.sendError(errorsx.Reason(err), err.Error())
		return
	}

	w.mu.Lock()
	w.run = in
	w.stream = stream
	w.streamOpen = true
	w.runDone = runDone
	w.mu.Unlock()

	w.sendJSON(map[string]any{"type": "run_started", "run_id": in.ID(), "conversation_id": in.ConversationID()})
	close(announced)
	s.logger.Info("ws_run_started", "run_id", in.ID(), "pipeline_id", in.Config().ID)

	go func() {
		<-runDone
		w.deliverAudio(in)
	}()
}

func (w *wsClient) pushAudio(data []byte) {
	w.mu.Lock()
	stream, open, done := w.stream, w.streamOpen, w.runDone
	w.mu.Unlock()
	if stream == nil || !open {
		return
	}
	select {
	case stream <- data:
	case <-done:
	}
}

func (w *wsClient) endAudio() {
	w.mu.Lock()
	if w.stream != nil && w.streamOpen {
		close(w.stream)
		w.streamOpen = false
	}
	w.mu.Unlock()
}

func (w *wsClient) cancelRun() {
	w.mu.Lock()
	in := w.run
	w.mu.Unlock()
	if in != nil {
		in.Cancel()
	}
}

// deliverAudio ships the synthesized speech after the terminal event
// and closes the exchange; one run per connection.
func (w *wsClient) deliverAudio(in *pipeline.Input) {
	data, mime := in.Audio()
	if len(data) > 0 {
		w.sendJSON(map[string]any{"type": "audio", "mime": mime, "size": len(data)})
		w.write(websocket.BinaryMessage, data)
	}
	w.sendJSON(map[string]any{"type": "run_complete", "run_id": in.ID()})

	w.mu.Lock()
	w.run = nil
	w.stream = nil
	w.streamOpen = false
	w.runDone = nil
	w.mu.Unlock()
	_ = w.conn.Close()
}
