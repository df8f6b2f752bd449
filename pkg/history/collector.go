package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/naralabs/nara/pkg/metrics"
)

// saveTimeout bounds one archive insert; a slow warehouse must not
// hold the collector's close.
const saveTimeout = 10 * time.Second

// RunSaver is what the collector needs from the store.
type RunSaver interface {
	SaveRun(ctx context.Context, rec RunRecord) error
}

// Collector assembles one RunRecord per run from the metrics stream
// and saves it when the run's terminal event arrives. Saves run
// asynchronously; failures are logged, never surfaced to the run.
type Collector struct {
	store  RunSaver
	logger *slog.Logger

	mu   sync.Mutex
	open map[string]*RunRecord
	wg   sync.WaitGroup
}

func NewCollector(store RunSaver, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:  store,
		logger: logger,
		open:   make(map[string]*RunRecord),
	}
}

// RecordEvent implements metrics.Observer.
func (c *Collector) RecordEvent(ev metrics.MetricsEvent) {
	runID := ev.Tags["run_id"]
	if runID == "" {
		return
	}

	c.mu.Lock()
	rec := c.open[runID]
	if rec == nil {
		rec = &RunRecord{RunID: runID, StartedAt: ev.Time}
		c.open[runID] = rec
	}
	if rec.PipelineID == "" {
		rec.PipelineID = ev.Tags["pipeline_id"]
	}

	switch ev.Name {
	case "audio_seconds":
		rec.AudioSeconds += ev.Value
	case "tts_characters":
		rec.TTSCharacters += uint32(ev.Value)
	case "chunks_consumed":
		rec.Chunks += uint32(ev.Value)
	case "run_duration_ms":
		rec.DurationMs = ev.Value
	case "pipeline_event":
		c.applyEvent(rec, ev)
	}

	terminal := ev.Name == "pipeline_event" &&
		(ev.Tags["type"] == "run_finished" || ev.Tags["type"] == "run_error")
	if terminal {
		rec.FinishedAt = ev.Time
		delete(c.open, runID)
	}
	c.mu.Unlock()

	if terminal {
		c.wg.Add(1)
		go c.save(*rec)
	}
}

func (c *Collector) applyEvent(rec *RunRecord, ev metrics.MetricsEvent) {
	field := func(key string) string {
		s, _ := ev.Fields[key].(string)
		return s
	}
	switch ev.Tags["type"] {
	case "stage_finished":
		switch ev.Tags["stage"] {
		case "wake_word":
			rec.WakeWordID = field("wake_word_id")
		case "stt":
			rec.Transcript = field("transcript")
		case "intent":
			rec.IntentSpeech = field("speech")
			rec.Intent = field("intent")
		}
	case "run_finished":
		rec.Status = "finished"
	case "run_error":
		rec.Status = "error"
		rec.ErrorCode = ev.Tags["code"]
	}
}

func (c *Collector) save(rec RunRecord) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := c.store.SaveRun(ctx, rec); err != nil {
		c.logger.Error("run_history_save_failed", "run_id", rec.RunID, "error", err)
		return
	}
	c.logger.Debug("run_history_saved", "run_id", rec.RunID, "status", rec.Status)
}

// Close waits for in-flight saves. Runs that never reached a terminal
// event are dropped; a half-open run has nothing worth archiving.
func (c *Collector) Close() error {
	c.wg.Wait()
	c.mu.Lock()
	c.open = make(map[string]*RunRecord)
	c.mu.Unlock()
	return nil
}

var _ metrics.Observer = (*Collector)(nil)
