package audio

import "fmt"

type Codec string

const (
	CodecPCM   Codec = "pcm"
	CodecOpus  Codec = "opus"
	CodecMulaw Codec = "mulaw"
)

// Format identifies an audio wire format. Zero fields act as wildcards
// when a format describes engine capabilities rather than a stream.
type Format struct {
	Codec      Codec `mapstructure:"codec"`
	SampleRate int   `mapstructure:"sample_rate"`
	BitDepth   int   `mapstructure:"bit_depth"`
	Channels   int   `mapstructure:"channels"`
}

func (f Format) String() string {
	codec := string(f.Codec)
	if codec == "" {
		codec = "any"
	}
	return fmt.Sprintf("%s/%dHz/%dbit/%dch", codec, f.SampleRate, f.BitDepth, f.Channels)
}

// Accepts reports whether a stream in format req satisfies capability f.
func (f Format) Accepts(req Format) bool {
	if f.Codec != "" && f.Codec != req.Codec {
		return false
	}
	if f.SampleRate != 0 && f.SampleRate != req.SampleRate {
		return false
	}
	if f.BitDepth != 0 && f.BitDepth != req.BitDepth {
		return false
	}
	if f.Channels != 0 && f.Channels != req.Channels {
		return false
	}
	return true
}

// Supported reports whether req matches any of the capability formats.
func Supported(req Format, capabilities []Format) bool {
	for _, c := range capabilities {
		if c.Accepts(req) {
			return true
		}
	}
	return false
}
