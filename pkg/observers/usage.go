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
)

// UsageSummary is what a finished run costs: seconds of audio pushed
// through STT and characters handed to TTS, the billable units of the
// hosted providers.
type UsageSummary struct {
	RunID          string  `json:"run_id"`
	PipelineID     string  `json:"pipeline_id,omitempty"`
	AudioSeconds   float64 `json:"audio_seconds"`
	TTSCharacters  int     `json:"tts_characters"`
	Chunks         int     `json:"chunks"`
	WakeSuppressed int     `json:"wake_suppressed,omitempty"`
	DurationMs     float64 `json:"duration_ms"`
	RecordedAtUTC  string  `json:"recorded_at_utc"`
}

// UsageObserver accumulates usage per run and writes
// <run_id>.usage.json when the run's terminal event arrives. Runs still
// open at Close are flushed then.
type UsageObserver struct {
	dir   string
	mu    sync.Mutex
	stats map[string]*UsageSummary
}

func NewUsageObserver(dir string) *UsageObserver {
	return &UsageObserver{dir: dir, stats: make(map[string]*UsageSummary)}
}

func (o *UsageObserver) RecordEvent(ev metrics.MetricsEvent) {
	if strings.TrimSpace(o.dir) == "" {
		return
	}
	runID := ev.Tags["run_id"]
	if runID == "" {
		return
	}

	o.mu.Lock()
	stat := o.stats[runID]
	if stat == nil {
		stat = &UsageSummary{RunID: runID, PipelineID: ev.Tags["pipeline_id"]}
		o.stats[runID] = stat
	}
	switch ev.Name {
	case "audio_seconds":
		stat.AudioSeconds += ev.Value
	case "tts_characters":
		stat.TTSCharacters += int(ev.Value)
	case "chunks_consumed":
		stat.Chunks += int(ev.Value)
	case "wake_suppressed_total":
		stat.WakeSuppressed += int(ev.Value)
	case "run_duration_ms":
		stat.DurationMs = ev.Value
	}
	o.mu.Unlock()

	if terminalRunEvent(ev) {
		o.flushRun(runID)
	}
}

// Close writes summaries for runs that never saw a terminal event.
func (o *UsageObserver) Close() error {
	if strings.TrimSpace(o.dir) == "" {
		return nil
	}
	o.mu.Lock()
	ids := make([]string, 0, len(o.stats))
	for id := range o.stats {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	var err error
	for _, id := range ids {
		if ferr := o.flushRun(id); ferr != nil {
			err = errors.Join(err, ferr)
		}
	}
	return err
}

func (o *UsageObserver) flushRun(runID string) error {
	o.mu.Lock()
	stat := o.stats[runID]
	delete(o.stats, runID)
	o.mu.Unlock()
	if stat == nil {
		return nil
	}
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return err
	}
	stat.RecordedAtUTC = time.Now().UTC().Format(time.RFC3339)
	b, err := json.MarshalIndent(stat, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(o.dir, sanitizeID(runID)+".usage.json")
	return os.WriteFile(path, b, 0o644)
}

var _ metrics.Observer = (*UsageObserver)(nil)
