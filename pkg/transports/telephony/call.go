package telephony

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/engines/stt"
	"github.com/naralabs/nara/pkg/pipeline"
	"github.com/naralabs/nara/pkg/transports"
)

// frameBytes is one 20 ms Twilio media frame: 8 kHz mu-law, one byte
// per sample.
const frameBytes = 160

// call is one phone leg. The websocket read loop pushes mu-law frames
// into audioCh; run segments them into utterances and drives one
// pipeline run per utterance until the caller hangs up.
type call struct {
	t         *Transport
	sess      *session
	streamSID string
	callSID   string
	from      string
	convID    string

	audioCh chan []byte
	hangup  chan struct{}
	endOnce sync.Once

	mu     sync.Mutex
	active *pipeline.Input
}

// end releases the call. Safe to invoke from the read loop, the status
// callback and Stop concurrently.
func (c *call) end() {
	c.endOnce.Do(func() {
		close(c.hangup)
	})
	c.mu.Lock()
	in := c.active
	c.mu.Unlock()
	if in != nil {
		in.Cancel()
	}
}

func (c *call) setActive(in *pipeline.Input) {
	c.mu.Lock()
	c.active = in
	c.mu.Unlock()
}

// run answers the call: for every utterance, one pipeline run starting
// at the stt stage. Picking up the phone is the wake trigger, so the
// wake stage never runs here.
func (c *call) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.hangup:
			return
		default:
		}
		if !c.utterance(ctx) {
			return
		}
	}
}

// utterance waits for speech, runs the pipeline over it and plays the
// reply. Returns false when the call is over.
func (c *call) utterance(ctx context.Context) bool {
	cfg := c.t.cfg

	// Pre-roll ring of decoded PCM frames, so the run hears the syllable
	// that crossed the threshold, not just what follows it.
	preRoll := pipeline.NewReplayBuffer(cfg.PreRollFrames)
	var trigger []byte
	for trigger == nil {
		select {
		case <-ctx.Done():
			return false
		case <-c.hangup:
			return false
		case frame, ok := <-c.audioCh:
			if !ok {
				return false
			}
			pcm := audio.DecodeMuLaw(frame)
			preRoll.Add(pcm)
			if rms16(pcm) >= cfg.SpeechThreshold {
				trigger = pcm
			}
		}
	}

	settings := audio.DefaultSettings()
	settings.SampleRate = 8000
	settings.ChunkSamples = frameBytes
	settings.SilenceTimeout = cfg.SilenceTimeout

	stream := make(chan []byte, 64)
	runDone := make(chan struct{})
	events := func(ev pipeline.Event) {
		if ev.Type.Terminal() {
			close(runDone)
		}
	}

	language := cfg.Language
	in, err := c.t.launcher.StartRun(ctx, transports.RunRequest{
		PipelineID:     cfg.PipelineID,
		StartStage:     pipeline.StageSTT,
		EndStage:       pipeline.StageTTS,
		ConversationID: c.convID,
		DeviceID:       c.callSID,
		TTSOutput:      cfg.TTSOutput,
		STTMetadata: &stt.Metadata{
			Language: language,
			Format: audio.Format{
				Codec:      audio.CodecPCM,
				SampleRate: 8000,
				BitDepth:   16,
				Channels:   1,
			},
		},
		Stream:        stream,
		AudioSettings: &settings,
		Events:        events,
	})
	if err != nil {
		c.t.logger.Error("call_run_start_failed", "call_sid", c.callSID, "error", err)
		return false
	}
	c.setActive(in)
	c.t.logger.Info("call_utterance_started", "call_sid", c.callSID, "run_id", in.ID())

	c.feed(ctx, stream, preRoll.Snapshot(), runDone)
	<-runDone
	c.setActive(nil)

	select {
	case <-c.hangup:
		return false
	default:
	}
	c.play(in)
	return true
}

// feed replays the pre-roll and then pumps live frames until the caller
// goes quiet, hangs up or the run finishes on its own. Closes stream.
func (c *call) feed(ctx context.Context, stream chan []byte, preRoll [][]byte, runDone <-chan struct{}) {
	defer close(stream)
	for _, pcm := range preRoll {
		select {
		case stream <- pcm:
		case <-runDone:
			return
		}
	}

	silence := c.t.cfg.SilenceTimeout
	lastSpeech := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.hangup:
			return
		case <-runDone:
			return
		case frame, ok := <-c.audioCh:
			if !ok {
				return
			}
			pcm := audio.DecodeMuLaw(frame)
			if rms16(pcm) >= c.t.cfg.SpeechThreshold {
				lastSpeech = time.Now()
			} else if time.Since(lastSpeech) > silence {
				return
			}
			select {
			case stream <- pcm:
			case <-runDone:
				return
			}
		}
	}
}

// play sends the synthesized reply back onto the media stream as 20 ms
// mu-law frames.
func (c *call) play(in *pipeline.Input) {
	data, mime := in.Audio()
	if len(data) == 0 {
		return
	}
	pcm, rate, ok := decodeSynthesis(data, mime, c.t.cfg.TTSSampleRate)
	if !ok {
		c.t.logger.Warn("call_tts_format_unplayable", "call_sid", c.callSID, "mime", mime)
		return
	}
	ulaw := audio.EncodeMuLaw(audio.Resample(pcm, rate, 8000))
	for off := 0; off < len(ulaw); off += frameBytes {
		endOff := off + frameBytes
		if endOff > len(ulaw) {
			endOff = len(ulaw)
		}
		c.sess.enqueueMedia(c.streamSID, ulaw[off:endOff])
	}
	c.t.logger.Info("call_reply_sent", "call_sid", c.callSID, "bytes", len(ulaw))
}

// decodeSynthesis turns a synthesis payload into mono 16-bit PCM plus
// its sample rate. Raw PCM payloads carry no rate, so the configured
// fallback applies.
func decodeSynthesis(data []byte, mime string, fallbackRate int) (pcm []byte, rate int, ok bool) {
	switch {
	case mime == "audio/wav" || mime == "audio/x-wav":
		s, body, err := audio.DecodeWAV(data)
		if err != nil || s.Channels != 1 || s.SampleWidth != 2 {
			return nil, 0, false
		}
		return body, s.SampleRate, true
	case mime == "audio/pcm" || mime == "audio/l16":
		return data, fallbackRate, true
	case mime == "audio/mulaw" || mime == "audio/basic":
		return audio.DecodeMuLaw(data), 8000, true
	default:
		return nil, 0, false
	}
}

// rms16 is the root mean square of 16-bit little-endian samples.
func rms16(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
