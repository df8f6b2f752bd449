package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/naralabs/nara/pkg/audio"
)

// DebugRecorder writes the audio each stage consumed into one WAV file
// per stage under <dir>/<run-id>/. Failures disable the recorder and
// are logged; they never fail the run. A nil recorder is a no-op.
type DebugRecorder struct {
	dir      string
	settings audio.Settings
	logger   *slog.Logger
	writers  map[Stage]*audio.WAVWriter
	disabled bool
}

func NewDebugRecorder(baseDir, runID string, settings audio.Settings, logger *slog.Logger) *DebugRecorder {
	if baseDir == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warn("recorder_dir_failed", "dir", dir, "error", err)
		return nil
	}
	return &DebugRecorder{
		dir:      dir,
		settings: settings,
		logger:   logger,
		writers:  make(map[Stage]*audio.WAVWriter),
	}
}

// Write appends one chunk to the stage's recording in arrival order.
func (d *DebugRecorder) Write(stage Stage, chunk []byte) {
	if d == nil || d.disabled {
		return
	}
	w, ok := d.writers[stage]
	if !ok {
		path := filepath.Join(d.dir, fmt.Sprintf("%d_%s.wav", stage.Index(), stage))
		var err error
		w, err = audio.NewWAVWriter(path, d.settings)
		if err != nil {
			d.logger.Warn("recorder_open_failed", "path", path, "error", err)
			d.disabled = true
			return
		}
		d.writers[stage] = w
	}
	if _, err := w.Write(chunk); err != nil {
		d.logger.Warn("recorder_write_failed", "stage", string(stage), "error", err)
		d.disabled = true
	}
}

// Close finalizes every open recording.
func (d *DebugRecorder) Close() {
	if d == nil {
		return
	}
	for stage, w := range d.writers {
		if err := w.Close(); err != nil {
			d.logger.Warn("recorder_close_failed", "stage", string(stage), "error", err)
		}
	}
	d.writers = nil
}

// Dir returns the per-run recording directory, empty when disabled.
func (d *DebugRecorder) Dir() string {
	if d == nil {
		return ""
	}
	return d.dir
}
