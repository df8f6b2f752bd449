package metrics

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONLObserver appends one JSON object per metric, a stable format
// for offline analysis: {"name","time","value","tags","fields"}.
type JSONLObserver struct {
	mu  sync.Mutex
	enc *json.Encoder
}

type jsonlRecord struct {
	Name   string            `json:"name"`
	Time   time.Time         `json:"time"`
	Value  float64           `json:"value"`
	Tags   map[string]string `json:"tags,omitempty"`
	Fields map[string]any    `json:"fields,omitempty"`
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{enc: json.NewEncoder(w)}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.enc.Encode(jsonlRecord{
		Name:   ev.Name,
		Time:   ev.Time,
		Value:  ev.Value,
		Tags:   ev.Tags,
		Fields: ev.Fields,
	})
}
