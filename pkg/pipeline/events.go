package pipeline

import "time"

type EventType string

const (
	EventStageStarted  EventType = "stage_started"
	EventStageFinished EventType = "stage_finished"
	EventRunError      EventType = "run_error"
	EventRunFinished   EventType = "run_finished"
)

// Terminal reports whether t ends a run. Exactly one terminal event is
// emitted per run, and it is the last one.
func (t EventType) Terminal() bool {
	return t == EventRunError || t == EventRunFinished
}

// Event is one entry of a run's ordered progress stream.
type Event struct {
	Type      EventType `json:"type"`
	Stage     Stage     `json:"stage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// WakeData is the stage_finished payload of the wake stage.
type WakeData struct {
	WakeWordID     string `json:"wake_word_id"`
	Phrase         string `json:"phrase,omitempty"`
	BufferedChunks int    `json:"buffered_chunks"`
}

// STTData is the stage_finished payload of the stt stage.
type STTData struct {
	Transcript string `json:"transcript"`
}

// IntentData is the stage_finished payload of the intent stage.
type IntentData struct {
	Speech string         `json:"speech"`
	Intent string         `json:"intent,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
}

// TTSData is the stage_finished payload of the tts stage. Token and URL
// are set when a media store is configured.
type TTSData struct {
	MIME  string `json:"mime"`
	Size  int    `json:"size"`
	Token string `json:"token,omitempty"`
	URL   string `json:"url,omitempty"`
}

// ErrorData is the run_error payload.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
