package pipeline

import (
	"bytes"
	"testing"
	"time"
)

func TestReplayBufferEvicts(t *testing.T) {
	b := NewReplayBuffer(3)
	for i := byte(1); i <= 5; i++ {
		b.Add(chunkOf(i))
	}
	if b.Len() != 3 {
		t.Fatalf("len %d, want 3", b.Len())
	}
	snap := b.Snapshot()
	for i, want := range []byte{3, 4, 5} {
		if !bytes.Equal(snap[i], chunkOf(want)) {
			t.Fatalf("chunk %d: got %v, want filled with %d", i, snap[i], want)
		}
	}
}

func TestReplayBufferSnapshotDetached(t *testing.T) {
	b := NewReplayBuffer(4)
	src := chunkOf(7)
	b.Add(src)
	src[0] = 0 // caller mutates its slice after Add

	snap := b.Snapshot()
	if snap[0][0] != 7 {
		t.Fatalf("Add did not copy the chunk")
	}

	b.Add(chunkOf(8))
	if len(snap) != 1 {
		t.Fatalf("snapshot grew with later Adds")
	}

	b.Reset()
	if b.Len() != 0 {
		t.Fatalf("reset left %d chunks", b.Len())
	}
}

func TestCooldownGate(t *testing.T) {
	g := NewCooldownGate()
	now := time.Now()
	window := 2 * time.Second

	if !g.Admit("nara", now, window) {
		t.Fatalf("first detection must be admitted")
	}
	if g.Admit("nara", now.Add(time.Second), window) {
		t.Fatalf("detection inside the window must be suppressed")
	}
	// Suppression must not refresh the window: 2s after the first
	// admission the word is free again even though a suppressed
	// detection happened in between.
	if !g.Admit("nara", now.Add(window), window) {
		t.Fatalf("detection at window edge must be admitted")
	}
	if !g.Admit("other", now, window) {
		t.Fatalf("cooldown must be tracked per wake word")
	}
	if g.Len() != 2 {
		t.Fatalf("gate tracks %d words, want 2", g.Len())
	}
}

func TestCooldownGateZeroWindow(t *testing.T) {
	g := NewCooldownGate()
	now := time.Now()
	for i := 0; i < 3; i++ {
		if !g.Admit("nara", now, 0) {
			t.Fatalf("zero window must admit everything")
		}
	}
}
