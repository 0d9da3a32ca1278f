package report

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/reliefops/triagecall/pkg/llm"
)

// Status of a single report field. A field moves unfilled -> filled or
// unfilled -> unknown exactly once; a later caller correction re-opens it
// through a new commit with a different provenance turn.
type Status string

const (
	StatusUnfilled Status = "unfilled"
	StatusFilled   Status = "filled"
	StatusUnknown  Status = "explicitly_unknown"
)

// FieldSpec describes one required datum of the intake protocol.
type FieldSpec struct {
	ID       string
	Kind     string
	Label    string
	Question string
	Allowed  []string
	Min      float64
	Max      float64
}

// Field is one slot of the report. Provenance is the id of the caller turn
// that produced the value; a plain identifier, never a pointer back into the
// turn history.
type Field struct {
	Spec       FieldSpec
	Value      string
	Status     Status
	Provenance string
}

// Document is the ordered report. Insertion order is question order, which is
// priority order: the most operationally critical fields come first so a
// prematurely terminated call still yields them. A Document is owned by one
// call session and is never touched from two goroutines.
type Document struct {
	CallID    string
	StartedAt time.Time
	SealedAt  time.Time

	order  []string
	fields map[string]*Field
	sealed bool
}

func NewDocument(callID string, specs []FieldSpec) *Document {
	d := &Document{
		CallID:    callID,
		StartedAt: time.Now(),
		fields:    make(map[string]*Field, len(specs)),
	}
	for _, spec := range specs {
		d.order = append(d.order, spec.ID)
		d.fields[spec.ID] = &Field{Spec: spec, Status: StatusUnfilled}
	}
	return d
}

// Field returns the field by id, or nil.
func (d *Document) Field(id string) *Field {
	return d.fields[id]
}

// Fields returns the fields in question order.
func (d *Document) Fields() []Field {
	out := make([]Field, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, *d.fields[id])
	}
	return out
}

// Values returns the filled field values keyed by id, for extraction context.
func (d *Document) Values() map[string]string {
	out := make(map[string]string)
	for _, id := range d.order {
		f := d.fields[id]
		if f.Status == StatusFilled {
			out[id] = f.Value
		}
	}
	return out
}

// Complete reports whether every field has left the unfilled state.
func (d *Document) Complete() bool {
	for _, id := range d.order {
		if d.fields[id].Status == StatusUnfilled {
			return false
		}
	}
	return true
}

// Sealed reports whether the document has been finalized.
func (d *Document) Sealed() bool { return d.sealed }

// DefaultFields is the fixed disaster-intake protocol, priority-ranked:
// location and hazard questions come before secondary details.
func DefaultFields() []FieldSpec {
	return []FieldSpec{
		{
			ID:       "location",
			Kind:     llm.KindFreeText,
			Label:    "Location",
			Question: "Where are you right now? Please describe your location.",
		},
		{
			ID:       "incident_type",
			Kind:     llm.KindEnum,
			Label:    "Type of incident",
			Question: "What kind of emergency is happening? For example flood, fire, earthquake.",
			Allowed:  []string{"flood", "fire", "earthquake", "landslide", "storm", "collapse", "other"},
		},
		{
			ID:       "trapped",
			Kind:     llm.KindBool,
			Label:    "People trapped",
			Question: "Is anyone trapped or in immediate danger?",
		},
		{
			ID:       "people_affected",
			Kind:     llm.KindNumeric,
			Label:    "People affected",
			Question: "How many people are with you or affected?",
			Min:      0,
			Max:      100000,
		},
		{
			ID:       "injuries",
			Kind:     llm.KindNumeric,
			Label:    "Injuries",
			Question: "How many people are injured?",
			Min:      0,
			Max:      100000,
		},
		{
			ID:       "caller_name",
			Kind:     llm.KindFreeText,
			Label:    "Caller name",
			Question: "Can I have your name please?",
		},
	}
}

// ValidateCandidate checks a candidate value against the field's semantic
// type and returns the normalized value. Rejects never reach commit; callers
// treat them as unparseable answers.
func ValidateCandidate(spec FieldSpec, value string) (string, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return "", fmt.Errorf("field %s: empty candidate", spec.ID)
	}
	switch spec.Kind {
	case llm.KindFreeText:
		return v, nil
	case llm.KindEnum:
		lower := strings.ToLower(v)
		for _, allowed := range spec.Allowed {
			if lower == allowed {
				return allowed, nil
			}
		}
		return "", fmt.Errorf("field %s: %q not in allowed set", spec.ID, v)
	case llm.KindNumeric:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return "", fmt.Errorf("field %s: %q is not numeric", spec.ID, v)
		}
		if n < spec.Min || (spec.Max > 0 && n > spec.Max) {
			return "", fmt.Errorf("field %s: %v out of range", spec.ID, n)
		}
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	case llm.KindBool:
		switch strings.ToLower(v) {
		case "true", "yes", "y":
			return "true", nil
		case "false", "no", "n":
			return "false", nil
		}
		return "", fmt.Errorf("field %s: %q is not boolean", spec.ID, v)
	default:
		return "", fmt.Errorf("field %s: unknown kind %q", spec.ID, spec.Kind)
	}
}
