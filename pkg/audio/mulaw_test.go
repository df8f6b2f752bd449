package audio

import (
	"encoding/binary"
	"testing"
)

func TestMuLawSilence(t *testing.T) {
	pcm := make([]byte, 8) // four zero samples
	enc := EncodeMuLaw(pcm)
	for i, b := range enc {
		if b != 0xFF {
			t.Fatalf("sample %d: silence encoded as %#x, want 0xff", i, b)
		}
	}
	dec := DecodeMuLaw(enc)
	for i := 0; i < len(dec); i += 2 {
		if s := int16(binary.LittleEndian.Uint16(dec[i:])); s != 0 {
			t.Fatalf("decoded silence sample %d = %d", i/2, s)
		}
	}
}

func TestMuLawRoundTripError(t *testing.T) {
	// Companding is lossy; check the error stays proportional.
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 8000, -8000, 30000, -30000, 32767, -32768}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	dec := DecodeMuLaw(EncodeMuLaw(pcm))
	for i, want := range samples {
		got := int16(binary.LittleEndian.Uint16(dec[i*2:]))
		diff := int32(got) - int32(want)
		if diff < 0 {
			diff = -diff
		}
		limit := int32(want) / 16
		if limit < 0 {
			limit = -limit
		}
		if limit < 40 {
			limit = 40
		}
		if diff > limit {
			t.Fatalf("sample %d: %d decoded as %d (diff %d > %d)", i, want, got, diff, limit)
		}
	}
}

func TestMuLawSign(t *testing.T) {
	pcm := make([]byte, 4)
	posIn, negIn := int16(5000), int16(-5000)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(posIn))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(negIn))
	dec := DecodeMuLaw(EncodeMuLaw(pcm))
	pos := int16(binary.LittleEndian.Uint16(dec[0:]))
	neg := int16(binary.LittleEndian.Uint16(dec[2:]))
	if pos <= 0 || neg >= 0 {
		t.Fatalf("sign lost: %d %d", pos, neg)
	}
}

func TestResampleHalvesLength(t *testing.T) {
	pcm := make([]byte, 320*2) // 20ms at 16kHz
	for i := 0; i < 320; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(i*50)))
	}
	out := Resample(pcm, 16000, 8000)
	if len(out) != 320 {
		t.Fatalf("expected 160 samples, got %d", len(out)/2)
	}
	// A monotone ramp stays a monotone ramp.
	prev := int16(binary.LittleEndian.Uint16(out[0:]))
	for i := 1; i < len(out)/2; i++ {
		s := int16(binary.LittleEndian.Uint16(out[i*2:]))
		if s < prev {
			t.Fatalf("ramp broken at sample %d: %d < %d", i, s, prev)
		}
		prev = s
	}
}

func TestResampleSameRateIsIdentity(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	out := Resample(pcm, 8000, 8000)
	if &out[0] != &pcm[0] {
		t.Fatalf("same-rate resample should not copy")
	}
}

func TestDecodeWAVRoundTrip(t *testing.T) {
	s := DefaultSettings()
	pcm := make([]byte, 2048)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	wav, err := EncodeWAV(s, pcm)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, data, err := DecodeWAV(wav)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SampleRate != s.SampleRate || got.Channels != s.Channels || got.SampleWidth != s.SampleWidth {
		t.Fatalf("format mismatch: %+v", got)
	}
	if len(data) != len(pcm) || data[100] != pcm[100] {
		t.Fatalf("payload mismatch: %d bytes", len(data))
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, _, err := DecodeWAV([]byte("definitely not a wav file at all")); err == nil {
		t.Fatalf("expected error")
	}
	if _, _, err := DecodeWAV(nil); err == nil {
		t.Fatalf("expected error on empty input")
	}
}
