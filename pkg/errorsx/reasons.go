package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonConfigInvalid     ReasonCode = "config_invalid"
	ReasonPipelineNotFound  ReasonCode = "pipeline_not_found"
	ReasonEngineNotFound    ReasonCode = "engine_not_found"
	ReasonFormatUnsupported ReasonCode = "format_unsupported"
	ReasonStageTimeout      ReasonCode = "stage_timeout"
	ReasonEngineFailure     ReasonCode = "engine_failure"
	ReasonCanceled          ReasonCode = "canceled"

	ReasonSTTConnect   ReasonCode = "stt_connect"
	ReasonSTTSend      ReasonCode = "stt_send"
	ReasonSTTRateLimit ReasonCode = "stt_rate_limit"

	ReasonTTSConnect   ReasonCode = "tts_connect"
	ReasonTTSRateLimit ReasonCode = "tts_rate_limit"

	ReasonConverseRateLimit ReasonCode = "converse_rate_limit"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportSend             ReasonCode = "transport_send"
)
