package pipeline

import (
	"sort"
	"sync"
	"time"
)

// RunInfo is a snapshot of one in-flight run.
type RunInfo struct {
	ID         string    `json:"id"`
	PipelineID string    `json:"pipeline_id"`
	StartedAt  time.Time `json:"started_at"`
}

type registeredRun struct {
	input   *Input
	started time.Time
}

// RunRegistry tracks in-flight runs so surfaces outside the owning
// goroutine can list and cancel them.
type RunRegistry struct {
	mu     sync.Mutex
	active map[string]registeredRun
}

func NewRunRegistry() *RunRegistry {
	return &RunRegistry{active: make(map[string]registeredRun)}
}

func (r *RunRegistry) Register(in *Input) {
	r.mu.Lock()
	r.active[in.ID()] = registeredRun{input: in, started: time.Now()}
	r.mu.Unlock()
}

func (r *RunRegistry) Unregister(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// Cancel aborts the run with the given id. Returns false when no such
// run is active.
func (r *RunRegistry) Cancel(id string) bool {
	r.mu.Lock()
	reg, ok := r.active[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	reg.input.Cancel()
	return true
}

// Active lists in-flight runs, oldest first.
func (r *RunRegistry) Active() []RunInfo {
	r.mu.Lock()
	out := make([]RunInfo, 0, len(r.active))
	for id, reg := range r.active {
		out = append(out, RunInfo{
			ID:         id,
			PipelineID: reg.input.Config().ID,
			StartedAt:  reg.started,
		})
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}
