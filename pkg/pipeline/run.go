package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/naralabs/nara/pkg/audio"
	"github.com/naralabs/nara/pkg/engines/conversation"
	"github.com/naralabs/nara/pkg/engines/tts"
	"github.com/naralabs/nara/pkg/errorsx"
	"github.com/naralabs/nara/pkg/metrics"
)

// Run owns stage sequencing, event emission and cancellation for one
// pipeline invocation. Created by Build, discarded after the terminal
// event.
type Run struct {
	id       string
	cfg      Config
	start    Stage
	end      Stage
	settings audio.Settings
	wake     WakeWordSettings

	ctx    context.Context
	cancel context.CancelFunc

	sink     *QueuedSink
	logger   *slog.Logger
	observer metrics.Observer
	media    MediaStore
	cooldown *CooldownGate
	recorder *DebugRecorder

	chunksConsumed int
	ttsAudio       []byte
	ttsMIME        string
}

func (r *Run) inRange(s Stage) bool {
	return r.start.Index() <= s.Index() && s.Index() <= r.end.Index()
}

// release frees run resources without emitting events. Used when Build
// fails after the run was assembled.
func (r *Run) release() {
	r.cancel()
	r.recorder.Close()
	r.sink.Close()
}

func (r *Run) emit(t EventType, stage Stage, data any) {
	r.sink.Emit(Event{Type: t, Stage: stage, Timestamp: time.Now(), Data: data})
}

// observe stamps every metric with the run and pipeline ids so
// observers can group by run without parsing payloads.
func (r *Run) observe(name string, value float64, tags map[string]string) {
	merged := map[string]string{"run_id": r.id, "pipeline_id": r.cfg.ID}
	for k, v := range tags {
		merged[k] = v
	}
	r.observer.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Value: value, Tags: merged})
}

func (r *Run) stageDone(stage Stage, startedAt time.Time) {
	r.observe("stage_latency_ms", float64(time.Since(startedAt).Milliseconds()), map[string]string{
		"stage": string(stage),
	})
}

// Execute drives the configured stage range over the audio stream.
// Exactly one terminal event is emitted, it is the last event, and it
// has been delivered to the callback by the time Execute returns.
func (in *Input) Execute() error {
	if err := in.Validate(); err != nil {
		return err
	}
	if !in.executed.CompareAndSwap(false, true) {
		return configErr("input already executed")
	}
	r := in.run
	defer r.sink.Close()
	defer r.cancel()
	defer r.recorder.Close()

	startedAt := time.Now()
	r.logger.Info("run_started",
		"pipeline_id", r.cfg.ID,
		"start_stage", string(r.start),
		"end_stage", string(r.end),
	)

	err := r.execute(in)

	r.observe("run_duration_ms", float64(time.Since(startedAt).Milliseconds()), nil)
	r.observe("chunks_consumed", float64(r.chunksConsumed), nil)
	r.observe("audio_seconds", float64(r.chunksConsumed)*r.settings.ChunkDuration().Seconds(), nil)

	if err != nil {
		data := runErrorData(err)
		r.logger.Error("run_failed", "code", data.Code, "error", err)
		r.emit(EventRunError, "", data)
		return err
	}
	r.logger.Info("run_finished", "duration_ms", time.Since(startedAt).Milliseconds())
	r.emit(EventRunFinished, "", nil)
	return nil
}

func (r *Run) execute(in *Input) error {
	var (
		preRoll    [][]byte
		transcript string
		intentOut  IntentData
	)

	if r.start == StageWake && in.wakeWordPhrase == "" {
		buffered, err := r.wakeStage(in)
		if err != nil {
			return err
		}
		preRoll = buffered
	} else if in.wakeWordPhrase != "" {
		r.logger.Info("wake_presupplied", "phrase", in.wakeWordPhrase)
	}
	if err := r.ctx.Err(); err != nil {
		return err
	}

	if r.inRange(StageSTT) {
		text, err := r.sttStage(in, preRoll)
		if err != nil {
			return err
		}
		transcript = text
	}
	if err := r.ctx.Err(); err != nil {
		return err
	}

	if r.inRange(StageIntent) {
		text := transcript
		if r.start == StageIntent {
			text = in.intentInput
		}
		out, err := r.intentStage(in, text)
		if err != nil {
			return err
		}
		intentOut = out
	}
	if err := r.ctx.Err(); err != nil {
		return err
	}

	if r.inRange(StageTTS) {
		text := intentOut.Speech
		if r.start == StageTTS {
			text = in.ttsInput
		}
		if err := r.ttsStage(in, text); err != nil {
			return err
		}
	}
	return nil
}

// wakeStage scans the stream until an admitted detection and returns
// the buffered pre-roll. stage_started is emitted at the first chunk; a
// detection suppressed by the cooldown keeps scanning.
func (r *Run) wakeStage(in *Input) ([][]byte, error) {
	eng := in.wakeEngine
	defer func() {
		if err := eng.Close(); err != nil {
			r.logger.Warn("wake_engine_close_failed", "error", err)
		}
	}()

	ctx := r.ctx
	if r.wake.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(r.ctx, r.wake.Timeout)
		defer cancel()
	}

	buffer := NewReplayBuffer(r.wake.BufferChunks)
	started := false
	startedAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil, r.wakeInterrupted(ctx)
		case chunk, ok := <-in.stream:
			if !ok {
				return nil, errorsx.Wrap(errors.New("audio stream ended before wake word detection"), errorsx.ReasonStageTimeout)
			}
			if !started {
				started = true
				startedAt = time.Now()
				r.emit(EventStageStarted, StageWake, nil)
			}
			r.chunksConsumed++
			buffer.Add(chunk)
			r.recorder.Write(StageWake, chunk)

			det, err := eng.ProcessChunk(ctx, chunk)
			if err != nil {
				return nil, errorsx.Wrap(err, errorsx.ReasonEngineFailure)
			}
			if det == nil {
				continue
			}
			if !r.cooldown.Admit(det.WakeWordID, time.Now(), r.wake.Cooldown) {
				r.logger.Debug("wake_suppressed", "wake_word_id", det.WakeWordID)
				r.observe("wake_suppressed_total", 1, map[string]string{"wake_word_id": det.WakeWordID})
				continue
			}
			preRoll := buffer.Snapshot()
			r.stageDone(StageWake, startedAt)
			r.emit(EventStageFinished, StageWake, WakeData{
				WakeWordID:     det.WakeWordID,
				Phrase:         det.Phrase,
				BufferedChunks: len(preRoll),
			})
			return preRoll, nil
		}
	}
}

func (r *Run) wakeInterrupted(stageCtx context.Context) error {
	if err := r.ctx.Err(); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCanceled)
	}
	return errorsx.Wrap(
		fmt.Errorf("wake word was not detected within %s: %w", r.wake.Timeout, stageCtx.Err()),
		errorsx.ReasonStageTimeout,
	)
}

// sttStage replays the pre-roll into the engine, then live audio until
// the engine finishes, the stream ends, or the silence timeout lapses.
func (r *Run) sttStage(in *Input, preRoll [][]byte) (string, error) {
	r.emit(EventStageStarted, StageSTT, nil)
	startedAt := time.Now()

	stageCtx, stageCancel := context.WithCancel(r.ctx)
	defer stageCancel()

	feed := make(chan []byte)
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		defer close(feed)
		for _, chunk := range preRoll {
			select {
			case feed <- chunk:
				r.recorder.Write(StageSTT, chunk)
			case <-stageCtx.Done():
				return
			}
		}
		for {
			var stall <-chan time.Time
			if r.settings.SilenceTimeout > 0 {
				stall = time.After(r.settings.SilenceTimeout)
			}
			select {
			case <-stageCtx.Done():
				return
			case <-stall:
				r.logger.Debug("stt_silence_timeout")
				return
			case chunk, ok := <-in.stream:
				if !ok {
					return
				}
				select {
				case feed <- chunk:
					r.chunksConsumed++
					r.recorder.Write(StageSTT, chunk)
				case <-stageCtx.Done():
					return
				}
			}
		}
	}()

	res, err := in.sttEngine.Transcribe(stageCtx, in.sttMeta, feed)
	stageCancel()
	<-pumpDone

	if err != nil {
		if cerr := r.ctx.Err(); cerr != nil {
			return "", errorsx.Wrap(cerr, errorsx.ReasonCanceled)
		}
		return "", errorsx.Wrap(err, errorsx.ReasonEngineFailure)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", errorsx.Wrap(errors.New("no text recognized"), errorsx.ReasonEngineFailure)
	}
	r.stageDone(StageSTT, startedAt)
	r.emit(EventStageFinished, StageSTT, STTData{Transcript: text})
	return text, nil
}

func (r *Run) intentStage(in *Input, text string) (IntentData, error) {
	r.emit(EventStageStarted, StageIntent, nil)
	startedAt := time.Now()

	resp, err := in.convEngine.Converse(r.ctx, conversation.Request{
		Text:           text,
		ConversationID: in.conversationID,
		DeviceID:       in.deviceID,
		Language:       r.cfg.Language,
	})
	if err != nil {
		if cerr := r.ctx.Err(); cerr != nil {
			return IntentData{}, errorsx.Wrap(cerr, errorsx.ReasonCanceled)
		}
		return IntentData{}, errorsx.Wrap(err, errorsx.ReasonEngineFailure)
	}
	out := IntentData{Speech: resp.Speech, Intent: resp.Intent, Data: resp.Data}
	r.stageDone(StageIntent, startedAt)
	r.emit(EventStageFinished, StageIntent, out)
	return out, nil
}

func (r *Run) ttsStage(in *Input, text string) error {
	r.emit(EventStageStarted, StageTTS, nil)
	startedAt := time.Now()

	res, err := in.ttsEngine.Synthesize(r.ctx, tts.Request{
		Text:     text,
		Voice:    r.cfg.TTSVoice,
		Language: r.cfg.Language,
		Options:  mergeOptions(r.cfg.TTSOutput, in.ttsOutputOverride),
	})
	if err != nil {
		if cerr := r.ctx.Err(); cerr != nil {
			return errorsx.Wrap(cerr, errorsx.ReasonCanceled)
		}
		return errorsx.Wrap(err, errorsx.ReasonEngineFailure)
	}
	r.ttsAudio = res.Audio
	r.ttsMIME = res.MIME
	r.observe("tts_characters", float64(len([]rune(text))), nil)

	data := TTSData{MIME: res.MIME, Size: len(res.Audio)}
	if r.media != nil {
		token, url, err := r.media.Put(r.id, res.MIME, res.Audio)
		if err != nil {
			r.logger.Warn("media_store_failed", "error", err)
		} else {
			data.Token = token
			data.URL = url
		}
	}
	r.stageDone(StageTTS, startedAt)
	r.emit(EventStageFinished, StageTTS, data)
	return nil
}

// mergeOptions overlays the caller's output settings on the pipeline's.
func mergeOptions(base, override map[string]any) map[string]any {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// runErrorData maps a failure onto the run_error payload. Reasons
// attached inside the run win; bare context errors are classified by
// kind; anything else is an engine failure.
func runErrorData(err error) ErrorData {
	code := errorsx.ReasonEngineFailure
	switch reason := errorsx.Reason(err); reason {
	case errorsx.ReasonConfigInvalid,
		errorsx.ReasonPipelineNotFound,
		errorsx.ReasonEngineNotFound,
		errorsx.ReasonFormatUnsupported,
		errorsx.ReasonStageTimeout,
		errorsx.ReasonEngineFailure,
		errorsx.ReasonCanceled:
		code = reason
	default:
		switch {
		case errors.Is(err, context.Canceled):
			code = errorsx.ReasonCanceled
		case errors.Is(err, context.DeadlineExceeded):
			code = errorsx.ReasonStageTimeout
		}
	}
	return ErrorData{Code: string(code), Message: err.Error()}
}
