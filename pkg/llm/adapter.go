package llm

import "context"

// Field semantic kinds understood by the extraction contract.
const (
	KindFreeText = "free_text"
	KindEnum     = "enum"
	KindNumeric  = "numeric"
	KindBool     = "bool"
)

// ExtractRequest asks the model for a typed candidate value from one caller
// turn. Known carries already-collected field values for context.
type ExtractRequest struct {
	FieldID  string
	Kind     string
	Allowed  []string
	Min      float64
	Max      float64
	TurnText string
	Known    map[string]string
}

// Extraction is the tagged result of a field extraction: a candidate value
// with a confidence score, or nothing.
type Extraction struct {
	Value      string
	Confidence float64
	Found      bool
}

// PromptRequest asks the model to phrase the next agent utterance for the
// current dialogue state.
type PromptRequest struct {
	State     string
	FieldID   string
	Question  string
	Retry     int
	Candidate string
	Known     map[string]string
}

// Adapter is the narrow boundary to the language-model collaborator. Both
// operations must fail explicitly (never silently) on timeout or provider
// error; callers treat a failed extraction as an unparseable turn.
type Adapter interface {
	Name() string
	ExtractField(ctx context.Context, req ExtractRequest) (Extraction, error)
	GeneratePrompt(ctx context.Context, req PromptRequest) (string, error)
}
