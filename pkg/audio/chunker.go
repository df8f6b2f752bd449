package audio

// Chunker re-slices an arbitrary byte stream into fixed-size chunks.
// Transports deliver whatever the wire gives them; the pipeline expects
// every chunk to carry exactly ChunkBytes of audio.
type Chunker struct {
	size int
	buf  []byte
}

func NewChunker(s Settings) *Chunker {
	return &Chunker{size: s.ChunkBytes()}
}

// Push appends data and returns every complete chunk now available.
func (c *Chunker) Push(data []byte) [][]byte {
	c.buf = append(c.buf, data...)
	var out [][]byte
	for len(c.buf) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.buf[:c.size])
		out = append(out, chunk)
		c.buf = c.buf[c.size:]
	}
	return out
}

// Flush returns the trailing partial chunk, if any, and resets the buffer.
func (c *Chunker) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	rest := make([]byte, len(c.buf))
	copy(rest, c.buf)
	c.buf = c.buf[:0]
	return rest
}
