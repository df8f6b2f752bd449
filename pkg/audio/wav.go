package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const wavHeaderLen = 44

// WAVWriter streams PCM chunks into a RIFF/WAVE file. Sizes in the
// header are patched on Close, so an unclosed file has zero lengths.
type WAVWriter struct {
	f       *os.File
	dataLen uint32
}

func NewWAVWriter(path string, s Settings) (*WAVWriter, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := writeWAVHeader(f, s, 0); err != nil {
		f.Close()
		return nil, err
	}
	return &WAVWriter{f: f}, nil
}

func (w *WAVWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.dataLen += uint32(n)
	return n, err
}

func (w *WAVWriter) Close() error {
	if _, err := w.f.Seek(4, 0); err != nil {
		w.f.Close()
		return err
	}
	var sizes [4]byte
	binary.LittleEndian.PutUint32(sizes[:], wavHeaderLen-8+w.dataLen)
	if _, err := w.f.Write(sizes[:]); err != nil {
		w.f.Close()
		return err
	}
	if _, err := w.f.Seek(40, 0); err != nil {
		w.f.Close()
		return err
	}
	binary.LittleEndian.PutUint32(sizes[:], w.dataLen)
	if _, err := w.f.Write(sizes[:]); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// EncodeWAV wraps raw PCM in a RIFF/WAVE container.
func EncodeWAV(s Settings, pcm []byte) ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(wavHeaderLen + len(pcm))
	if err := writeWAVHeader(&buf, s, uint32(len(pcm))); err != nil {
		return nil, err
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// DecodeWAV extracts the PCM payload and its format from a RIFF/WAVE
// container. Only uncompressed PCM (format tag 1) is understood; chunks
// other than fmt and data are skipped.
func DecodeWAV(b []byte) (Settings, []byte, error) {
	var s Settings
	if len(b) < wavHeaderLen || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return s, nil, fmt.Errorf("not a wav container")
	}
	var pcm []byte
	sawFmt := false
	off := 12
	for off+8 <= len(b) {
		id := string(b[off : off+4])
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		body := off + 8
		if body+size > len(b) {
			size = len(b) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return s, nil, fmt.Errorf("wav fmt chunk truncated")
			}
			format := binary.LittleEndian.Uint16(b[body : body+2])
			if format != 1 {
				return s, nil, fmt.Errorf("wav format tag %d not pcm", format)
			}
			s.Channels = int(binary.LittleEndian.Uint16(b[body+2 : body+4]))
			s.SampleRate = int(binary.LittleEndian.Uint32(b[body+4 : body+8]))
			s.SampleWidth = int(binary.LittleEndian.Uint16(b[body+14:body+16])) / 8
			sawFmt = true
		case "data":
			pcm = b[body : body+size]
		}
		// Chunk bodies are word aligned.
		off = body + size + size%2
	}
	if !sawFmt {
		return s, nil, fmt.Errorf("wav fmt chunk missing")
	}
	if pcm == nil {
		return s, nil, fmt.Errorf("wav data chunk missing")
	}
	return s, pcm, nil
}

func writeWAVHeader(f io.Writer, s Settings, dataLen uint32) error {
	byteRate := s.SampleRate * s.Channels * s.SampleWidth
	blockAlign := s.Channels * s.SampleWidth

	buf := make([]byte, 0, wavHeaderLen)
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, wavHeaderLen-8+dataLen)
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1) // PCM
	buf = binary.LittleEndian.AppendUint16(buf, uint16(s.Channels))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(s.SampleRate))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(byteRate))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(blockAlign))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(8*s.SampleWidth))
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, dataLen)

	if len(buf) != wavHeaderLen {
		return fmt.Errorf("wav header length %d", len(buf))
	}
	_, err := f.Write(buf)
	return err
}
