package observers

import (
	"log/slog"
	"sync"

	"github.com/naralabs/nara/pkg/metrics"
)

// LatencyObserver collects per-stage latencies and logs one summary
// line per run when run_duration_ms arrives. A stage the run never
// reached reports -1.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*runTrace
	log    *slog.Logger
}

type runTrace struct {
	pipelineID string
	stages     map[string]float64
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*runTrace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	runID := ev.Tags["run_id"]
	if runID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[runID]
	if t == nil {
		t = &runTrace{pipelineID: ev.Tags["pipeline_id"], stages: make(map[string]float64)}
		o.traces[runID] = t
	}
	switch ev.Name {
	case "stage_latency_ms":
		t.stages[ev.Tags["stage"]] = ev.Value
	case "run_duration_ms":
		o.log.Info("run_latency",
			"run_id", runID,
			"pipeline_id", t.pipelineID,
			"wake_ms", stageMs(t, "wake_word"),
			"stt_ms", stageMs(t, "stt"),
			"intent_ms", stageMs(t, "intent"),
			"tts_ms", stageMs(t, "tts"),
			"total_ms", ev.Value,
		)
		delete(o.traces, runID)
	}
}

func stageMs(t *runTrace, stage string) float64 {
	if v, ok := t.stages[stage]; ok {
		return v
	}
	return -1
}

var _ metrics.Observer = (*LatencyObserver)(nil)
