package observers

import (
	"github.com/naralabs/nara/pkg/metrics"
	"github.com/naralabs/nara/pkg/pipeline"
)

// MirrorEvents wraps a run's event sink so every pipeline event also
// lands on the observer as a "pipeline_event" metric. Tags carry the
// event shape (type, stage, error code); fields carry the payload
// strings the timeline and history observers consume. next may be nil.
func MirrorEvents(obs metrics.Observer, runID, pipelineID string, next pipeline.EventSink) pipeline.EventSink {
	if obs == nil {
		return next
	}
	return func(ev pipeline.Event) {
		tags := map[string]string{
			"run_id": runID,
			"type":   string(ev.Type),
		}
		if pipelineID != "" {
			tags["pipeline_id"] = pipelineID
		}
		if ev.Stage != "" {
			tags["stage"] = string(ev.Stage)
		}

		var fields map[string]any
		switch data := ev.Data.(type) {
		case pipeline.WakeData:
			fields = map[string]any{"wake_word_id": data.WakeWordID, "phrase": data.Phrase}
		case pipeline.STTData:
			fields = map[string]any{"transcript": data.Transcript}
		case pipeline.IntentData:
			fields = map[string]any{"speech": data.Speech}
			if data.Intent != "" {
				fields["intent"] = data.Intent
			}
		case pipeline.TTSData:
			fields = map[string]any{"mime": data.MIME, "size": data.Size}
		case pipeline.ErrorData:
			tags["code"] = data.Code
			fields = map[string]any{"message": data.Message}
		}

		obs.RecordEvent(metrics.MetricsEvent{
			Name:   "pipeline_event",
			Time:   ev.Timestamp,
			Tags:   tags,
			Fields: fields,
		})
		if next != nil {
			next(ev)
		}
	}
}
