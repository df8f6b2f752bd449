package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/naralabs/nara/pkg/audio"
)

func TestDebugRecorderNilIsNoop(t *testing.T) {
	var d *DebugRecorder
	d.Write(StageSTT, chunkOf(1))
	d.Close()
	if d.Dir() != "" {
		t.Fatalf("nil recorder reports dir %q", d.Dir())
	}

	if rec := NewDebugRecorder("", "run-1", audio.DefaultSettings(), quietLogger()); rec != nil {
		t.Fatalf("empty base dir should disable recording")
	}
}

func TestDebugRecorderWritesPerStage(t *testing.T) {
	base := t.TempDir()
	d := NewDebugRecorder(base, "run-42", audio.DefaultSettings(), quietLogger())
	if d == nil {
		t.Fatalf("recorder not created")
	}
	d.Write(StageWake, chunkOf(1))
	d.Write(StageWake, chunkOf(2))
	d.Write(StageSTT, chunkOf(3))
	d.Close()

	wantDir := filepath.Join(base, "run-42")
	if d.Dir() != wantDir {
		t.Fatalf("dir %q, want %q", d.Dir(), wantDir)
	}

	wake, err := os.ReadFile(filepath.Join(wantDir, "0_wake_word.wav"))
	if err != nil {
		t.Fatalf("wake recording: %v", err)
	}
	if len(wake) != 44+8 {
		t.Fatalf("wake recording %d bytes, want header plus two chunks", len(wake))
	}
	if _, err := os.Stat(filepath.Join(wantDir, "1_stt.wav")); err != nil {
		t.Fatalf("stt recording: %v", err)
	}
}
