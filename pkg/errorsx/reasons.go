package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTConnect     ReasonCode = "stt_connect"
	ReasonSTTSend        ReasonCode = "stt_send"
	ReasonSTTRetry       ReasonCode = "stt_retry"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonTTSConnect     ReasonCode = "tts_connect"
	ReasonTTSSend        ReasonCode = "tts_send"
	ReasonTTSCancelled   ReasonCode = "tts_cancelled"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonExtractTimeout ReasonCode = "extract_timeout"
	ReasonExtractDecode  ReasonCode = "extract_decode"
	ReasonPromptGenerate ReasonCode = "prompt_generate"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"

	ReasonReportSealed  ReasonCode = "report_sealed"
	ReasonReportDeliver ReasonCode = "report_deliver"

	ReasonTransportSend      ReasonCode = "transport_send"
	ReasonTransportSignature ReasonCode = "transport_signature"
	ReasonEscalateDial       ReasonCode = "escalate_dial"
)
