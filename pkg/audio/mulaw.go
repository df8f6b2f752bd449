package audio

import "encoding/binary"

// G.711 mu-law companding. Phone media streams carry 8 kHz mu-law,
// one byte per sample; 0xFF encodes silence.
const (
	muLawBias = 0x84
	muLawClip = 32635
)

// EncodeMuLaw compresses 16-bit little-endian PCM to G.711 mu-law.
// A trailing odd byte is ignored.
func EncodeMuLaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = muLawEncodeSample(s)
	}
	return out
}

// DecodeMuLaw expands G.711 mu-law to 16-bit little-endian PCM.
func DecodeMuLaw(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(muLawDecodeSample(b)))
	}
	return out
}

func muLawEncodeSample(s int16) byte {
	v := int32(s)
	sign := byte(0)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias
	exp := byte(7)
	for mask := int32(0x4000); v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mantissa := byte(v>>(exp+3)) & 0x0F
	return ^(sign | exp<<4 | mantissa)
}

func muLawDecodeSample(b byte) int16 {
	b = ^b
	exp := (b >> 4) & 0x07
	mantissa := b & 0x0F
	v := ((int32(mantissa) << 3) + muLawBias) << exp
	v -= muLawBias
	if b&0x80 != 0 {
		v = -v
	}
	return int16(v)
}

// Resample converts 16-bit mono PCM between sample rates by linear
// interpolation. Voice quality only; do not use for music.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	n := len(pcm) / 2
	if n == 0 {
		return nil
	}
	outN := int(int64(n) * int64(to) / int64(from))
	out := make([]byte, outN*2)
	step := float64(from) / float64(to)
	for i := 0; i < outN; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		s0 := int16(binary.LittleEndian.Uint16(pcm[j*2:]))
		s1 := s0
		if j+1 < n {
			s1 = int16(binary.LittleEndian.Uint16(pcm[(j+1)*2:]))
		}
		v := float64(s0) + (float64(s1)-float64(s0))*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}
