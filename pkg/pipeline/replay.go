package pipeline

// ReplayBuffer keeps the most recent audio chunks so STT can reconsume
// what the wake stage already heard. Owned by a single run; not safe
// for concurrent use.
type ReplayBuffer struct {
	max    int
	chunks [][]byte
}

func NewReplayBuffer(maxChunks int) *ReplayBuffer {
	if maxChunks <= 0 {
		maxChunks = DefaultWakeWordSettings().BufferChunks
	}
	return &ReplayBuffer{max: maxChunks}
}

// Add copies chunk into the buffer, evicting the oldest entry when full.
func (b *ReplayBuffer) Add(chunk []byte) {
	c := make([]byte, len(chunk))
	copy(c, chunk)
	b.chunks = append(b.chunks, c)
	if len(b.chunks) > b.max {
		b.chunks = b.chunks[1:]
	}
}

// Snapshot returns the buffered chunks oldest first. The returned slice
// is detached; later Adds do not affect it.
func (b *ReplayBuffer) Snapshot() [][]byte {
	out := make([][]byte, len(b.chunks))
	copy(out, b.chunks)
	return out
}

func (b *ReplayBuffer) Len() int {
	return len(b.chunks)
}

// Reset drops all buffered chunks.
func (b *ReplayBuffer) Reset() {
	b.chunks = nil
}
