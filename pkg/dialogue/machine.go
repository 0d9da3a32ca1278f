package dialogue

import (
	"log/slog"
	"time"

	"github.com/reliefops/triagecall/pkg/frames"
	"github.com/reliefops/triagecall/pkg/llm"
	"github.com/reliefops/triagecall/pkg/metrics"
	"github.com/reliefops/triagecall/pkg/report"
)

type Phase int

const (
	PhaseGreeting Phase = iota
	PhaseAsking
	PhaseClarifying
	PhaseConfirming
	PhaseClosing
	PhaseTerminated
)

func (p Phase) String() string {
	switch p {
	case PhaseGreeting:
		return "greeting"
	case PhaseAsking:
		return "asking"
	case PhaseClarifying:
		return "clarifying"
	case PhaseConfirming:
		return "confirming"
	case PhaseClosing:
		return "closing"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// State is the current protocol position. FieldID is set in the asking,
// clarifying and confirming phases; Candidate only while confirming; Retry
// counts clarification attempts for the pending field.
type State struct {
	Phase     Phase
	FieldID   string
	Retry     int
	Candidate string
}

// Thresholds holds the protocol tunables. Values are deliberate defaults to
// be tuned, not contractual.
type Thresholds struct {
	Accept      float64
	Confirm     float64
	MaxRetries  int
	CallCeiling time.Duration
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Accept:      0.8,
		Confirm:     0.45,
		MaxRetries:  2,
		CallCeiling: 5 * time.Minute,
	}
}

// Machine is the dialogue protocol core. It owns no natural-language logic:
// answers arrive pre-extracted and pre-validated, and the machine only
// applies thresholds, retry bounds and the transition table. All methods are
// called from the session's single event loop.
type Machine struct {
	streamID string
	state    State
	th       Thresholds
	builder  *report.Builder
	obs      metrics.Observer
}

func NewMachine(streamID string, builder *report.Builder, th Thresholds) *Machine {
	if th.Accept <= 0 {
		th = DefaultThresholds()
	}
	return &Machine{
		streamID: streamID,
		state:    State{Phase: PhaseGreeting},
		builder:  builder,
		th:       th,
	}
}

func (m *Machine) SetObserver(obs metrics.Observer) { m.obs = obs }

func (m *Machine) State() State               { return m.state }
func (m *Machine) Thresholds() Thresholds     { return m.th }
func (m *Machine) Builder() *report.Builder   { return m.builder }
func (m *Machine) Terminated() bool           { return m.state.Phase == PhaseTerminated }
func (m *Machine) PendingField() (string, bool) {
	switch m.state.Phase {
	case PhaseAsking, PhaseClarifying, PhaseConfirming:
		return m.state.FieldID, true
	}
	return "", false
}

// OnGreetingDone moves from the opening message to the first question.
func (m *Machine) OnGreetingDone() State {
	if m.state.Phase != PhaseGreeting {
		return m.state
	}
	return m.advance("greeting_done")
}

// OnAnswer consumes the extraction outcome for the pending field. The caller
// has already validated the candidate against the field's semantic type;
// valid is false for rejects (out-of-range numerics, unknown enum values),
// which never reach commit.
func (m *Machine) OnAnswer(turnID string, ext llm.Extraction, valid bool, value string) State {
	switch m.state.Phase {
	case PhaseAsking, PhaseClarifying:
	default:
		return m.state
	}

	if !ext.Found || !valid {
		return m.unparseable(turnID, "no_extractable_value")
	}
	switch {
	case ext.Confidence >= m.th.Accept:
		m.commit(m.state.FieldID, value, turnID)
		return m.advance("high_confidence_commit")
	case ext.Confidence >= m.th.Confirm:
		m.transition(State{Phase: PhaseConfirming, FieldID: m.state.FieldID, Retry: m.state.Retry, Candidate: value}, "medium_confidence")
		return m.state
	default:
		return m.unparseable(turnID, "low_confidence")
	}
}

// OnConfirm consumes the caller's yes/no while confirming a candidate.
func (m *Machine) OnConfirm(turnID string, affirmed bool) State {
	if m.state.Phase != PhaseConfirming {
		return m.state
	}
	if affirmed {
		m.commit(m.state.FieldID, m.state.Candidate, turnID)
		return m.advance("confirmed")
	}
	// Denied: the field stays unfilled and is asked again from scratch.
	m.transition(State{Phase: PhaseAsking, FieldID: m.state.FieldID}, "confirmation_denied")
	return m.state
}

// OnUnclear handles a turn that produced no usable answer, for instance a
// confirmation reply that was neither a yes nor a no. Costs one retry.
func (m *Machine) OnUnclear(turnID string) State {
	switch m.state.Phase {
	case PhaseAsking, PhaseClarifying, PhaseConfirming:
		return m.unparseable(turnID, "unclear_answer")
	}
	return m.state
}

// OnSilenceTimeout handles no caller speech within the answer window. It
// counts as one clarification retry.
func (m *Machine) OnSilenceTimeout(turnID string) State {
	switch m.state.Phase {
	case PhaseAsking, PhaseClarifying, PhaseConfirming:
		return m.unparseable(turnID, "answer_timeout")
	}
	return m.state
}

// OnCeiling enforces the global call-duration ceiling: every remaining
// unfilled field is marked explicitly-unknown and the call moves to Closing,
// even mid-question.
func (m *Machine) OnCeiling() State {
	switch m.state.Phase {
	case PhaseClosing, PhaseTerminated:
		return m.state
	}
	for {
		spec, ok := m.builder.NextUnfilled()
		if !ok {
			break
		}
		_ = m.builder.MarkUnknown(spec.ID, "")
		m.recordField(metrics.EventFieldUnknown, spec.ID)
	}
	m.transition(State{Phase: PhaseClosing}, "call_ceiling")
	return m.state
}

// OnDisconnect handles an abrupt caller hang-up from any state. No closing
// message is played; the report is sealed by the session immediately after.
func (m *Machine) OnDisconnect() State {
	if m.state.Phase == PhaseTerminated {
		return m.state
	}
	m.transition(State{Phase: PhaseTerminated}, "disconnect")
	return m.state
}

// OnClosingDone terminates after the closing message finished playing.
func (m *Machine) OnClosingDone() State {
	if m.state.Phase != PhaseClosing {
		return m.state
	}
	m.transition(State{Phase: PhaseTerminated}, "closing_done")
	return m.state
}

// OnCollaboratorDown routes an unrecoverable collaborator failure to Closing
// so the caller gets an apology instead of dead air.
func (m *Machine) OnCollaboratorDown() State {
	switch m.state.Phase {
	case PhaseClosing, PhaseTerminated:
		return m.state
	}
	m.transition(State{Phase: PhaseClosing}, "collaborator_down")
	return m.state
}

func (m *Machine) unparseable(turnID, reason string) State {
	fieldID := m.state.FieldID
	if m.state.Retry >= m.th.MaxRetries {
		_ = m.builder.MarkUnknown(fieldID, turnID)
		m.recordField(metrics.EventFieldUnknown, fieldID)
		return m.advance("retries_exhausted")
	}
	m.transition(State{Phase: PhaseClarifying, FieldID: fieldID, Retry: m.state.Retry + 1}, reason)
	return m.state
}

func (m *Machine) advance(reason string) State {
	spec, ok := m.builder.NextUnfilled()
	if !ok {
		m.transition(State{Phase: PhaseClosing}, reason)
		return m.state
	}
	m.transition(State{Phase: PhaseAsking, FieldID: spec.ID}, reason)
	return m.state
}

func (m *Machine) commit(fieldID, value, turnID string) {
	if err := m.builder.Commit(fieldID, value, turnID); err != nil {
		slog.Warn("field_commit_failed", "stream_id", m.streamID, "field_id", fieldID, "error", err.Error())
		return
	}
	m.recordField(metrics.EventFieldCommit, fieldID)
}

func (m *Machine) transition(next State, reason string) {
	prev := m.state
	m.state = next
	slog.Info("dialogue_transition",
		"stream_id", m.streamID,
		"from", prev.Phase.String(),
		"to", next.Phase.String(),
		"field_id", next.FieldID,
		"retry", next.Retry,
		"reason", reason,
	)
}

func (m *Machine) recordField(name, fieldID string) {
	if m.obs == nil {
		return
	}
	m.obs.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: map[string]string{
			frames.MetaStreamID: m.streamID,
			frames.MetaFieldID:  fieldID,
		},
	})
}
