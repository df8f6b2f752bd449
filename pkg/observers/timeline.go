package observers

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/naralabs/nara/pkg/metrics"
	"github.com/naralabs/nara/pkg/redact"
)

// TimelineObserver writes a per-run JSONL trace under dir. Every metric
// tagged with a run_id lands in <run_id>.jsonl; the file is closed when
// the run's terminal pipeline event arrives.
type TimelineObserver struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
}

func NewTimelineObserver(dir string) *TimelineObserver {
	return &TimelineObserver{dir: dir, files: make(map[string]*os.File)}
}

// RecordEvent implements metrics.Observer.
func (o *TimelineObserver) RecordEvent(ev metrics.MetricsEvent) {
	runID := ev.Tags["run_id"]
	if runID == "" || strings.TrimSpace(o.dir) == "" {
		return
	}
	entry := timelineEntry{
		Time:       ev.Time.UTC(),
		Event:      ev.Name,
		RunID:      runID,
		PipelineID: ev.Tags["pipeline_id"],
		Value:      ev.Value,
		Tags:       copyTags(ev.Tags),
		Fields:     sanitizeFields(ev.Fields),
	}
	delete(entry.Tags, "run_id")
	delete(entry.Tags, "pipeline_id")
	if len(entry.Tags) == 0 {
		entry.Tags = nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	f := o.fileFor(runID)
	if f == nil {
		return
	}
	_, _ = f.Write(append(line, '\n'))

	if terminalRunEvent(ev) {
		o.closeRun(runID)
	}
}

// Close closes any files whose run never reached a terminal event.
func (o *TimelineObserver) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var err error
	for _, f := range o.files {
		if f == nil {
			continue
		}
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	o.files = make(map[string]*os.File)
	return err
}

type timelineEntry struct {
	Time       time.Time         `json:"time"`
	Event      string            `json:"event"`
	RunID      string            `json:"run_id"`
	PipelineID string            `json:"pipeline_id,omitempty"`
	Value      float64           `json:"value,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Fields     map[string]any    `json:"fields,omitempty"`
}

func (o *TimelineObserver) fileFor(runID string) *os.File {
	safe := sanitizeID(runID)
	if safe == "" {
		return nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		return f
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return nil
	}
	path := filepath.Join(o.dir, safe+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil
	}
	o.files[safe] = f
	return f
}

func (o *TimelineObserver) closeRun(runID string) {
	safe := sanitizeID(runID)
	o.mu.Lock()
	defer o.mu.Unlock()
	if f := o.files[safe]; f != nil {
		_ = f.Close()
		delete(o.files, safe)
	}
}

// terminalRunEvent reports whether ev is the last metric a run emits.
func terminalRunEvent(ev metrics.MetricsEvent) bool {
	if ev.Name != "pipeline_event" {
		return false
	}
	t := ev.Tags["type"]
	return t == "run_finished" || t == "run_error"
}

func sanitizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}

func copyTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// sanitizeFields runs transcript and speech strings through the PII
// redactor before they hit disk.
func sanitizeFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = redact.Text(s)
			continue
		}
		out[k] = v
	}
	return out
}

var _ metrics.Observer = (*TimelineObserver)(nil)
