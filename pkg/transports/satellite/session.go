package satellite

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/pipeline"
)

type outFrame struct {
	binary bool
	data   []byte
}

// session is one satellite connection. The read loop is the only
// binary/control writer of run state; the event sink and the audio
// delivery goroutine cross in from outside, hence the mutex.
type session struct {
	conn   *websocket.Conn
	remote string
	sendCh chan outFrame
	quit   chan struct{}
	closed atomic.Bool

	mu         sync.Mutex
	run        *pipeline.Input
	stream     chan []byte
	streamOpen bool
	runDone    chan struct{}
}

func newSession(conn *websocket.Conn, remote string) *session {
	return &session{
		conn:   conn,
		remote: remote,
		sendCh: make(chan outFrame, 256),
		quit:   make(chan struct{}),
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.quit:
			return
		case f := <-s.sendCh:
			mt := websocket.TextMessage
			if f.binary {
				mt = websocket.BinaryMessage
			}
			if err := s.conn.WriteMessage(mt, f.data); err != nil {
				return
			}
		}
	}
}

// close stops the writer. The send channel is never closed, so late
// sends fall through to the drop path instead of panicking.
func (s *session) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.quit)
		_ = s.conn.Close()
	}
}

func (s *session) send(f outFrame) {
	if s.closed.Load() {
		return
	}
	select {
	case s.sendCh <- f:
	default:
	}
}

func (s *session) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.send(outFrame{data: b})
}

func (s *session) sendBinary(data []byte) {
	s.send(outFrame{binary: true, data: data})
}

func (s *session) sendEvent(ev pipeline.Event) {
	s.sendJSON(map[string]any{"type": "event", "event": ev})
}

func (s *session) sendError(code errorsx.ReasonCode, msg string) {
	s.sendJSON(map[string]any{"type": "error", "code": string(code), "message": msg})
}

func (s *session) setRun(in *pipeline.Input, stream chan []byte, done chan struct{}) {
	s.mu.Lock()
	s.run = in
	s.stream = stream
	s.streamOpen = true
	s.runDone = done
	s.mu.Unlock()
}

func (s *session) activeRun() *pipeline.Input {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// pushAudio feeds a binary frame into the active run. Blocks until the
// run takes it or finishes; audio with no active run is dropped.
func (s *session) pushAudio(data []byte) {
	s.mu.Lock()
	stream, open, done := s.stream, s.streamOpen, s.runDone
	s.mu.Unlock()
	if stream == nil || !open {
		return
	}
	select {
	case stream <- data:
	case <-done:
	}
}

// endAudio closes the active run's stream. Runs on the read loop, the
// same goroutine as pushAudio, so the close cannot race a send.
func (s *session) endAudio() {
	s.mu.Lock()
	if s.stream != nil && s.streamOpen {
		close(s.stream)
		s.streamOpen = false
	}
	s.mu.Unlock()
}

func (s *session) cancelRun() {
	if in := s.activeRun(); in != nil {
		in.Cancel()
	}
}

// abort cancels whatever run the disconnecting client left behind.
func (s *session) abort() {
	s.cancelRun()
}

// deliverAudio ships the synthesized speech after the terminal event:
// an audio header on the control channel, then the payload as one
// binary message.
func (s *session) deliverAudio(in *pipeline.Input) {
	data, mime := in.Audio()
	if len(data) > 0 {
		s.sendJSON(map[string]any{"type": "audio", "mime": mime, "size": len(data)})
		s.sendBinary(data)
	}
	s.mu.Lock()
	s.run = nil
	s.stream = nil
	s.streamOpen = false
	s.runDone = nil
	s.mu.Unlock()
}
