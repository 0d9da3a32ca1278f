package frames

// Meta keys carried on frames. Keys are plain strings so transports can
// serialize them without translation.
const (
	MetaStreamID = "stream_id"
	MetaCallID   = "call_id"
	MetaTraceID  = "trace_id"
	MetaSource   = "source"
	MetaReason   = "reason"
	MetaIsFinal  = "is_final"
	MetaSpeaker  = "speaker"
	MetaFieldID  = "field_id"
	MetaPlayback = "playback_id"
	MetaEncoding = "encoding"
	MetaCodec    = "codec"
)
