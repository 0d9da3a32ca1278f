package report

import (
	"strconv"
	"time"

	"github.com/reliefops/triagecall/pkg/errorsx"
)

// Builder mutates a Document under the protocol's commit rules. It is owned
// by one session loop; no internal locking.
type Builder struct {
	doc *Document
}

func NewBuilder(doc *Document) *Builder {
	return &Builder{doc: doc}
}

func (b *Builder) Document() *Document { return b.doc }

// Commit records a validated value for a field. Re-committing the same
// (field, value) pair is idempotent and keeps the original provenance.
// Committing a different value to a filled field is a caller correction and
// re-opens the field with the new turn's provenance.
func (b *Builder) Commit(fieldID, value, turnID string) error {
	if b.doc.sealed {
		return errorsx.Wrap(errSealed{}, errorsx.ReasonReportSealed)
	}
	f := b.doc.fields[fieldID]
	if f == nil {
		return errUnknownField(fieldID)
	}
	if f.Status == StatusFilled && f.Value == value {
		return nil
	}
	f.Value = value
	f.Status = StatusFilled
	f.Provenance = turnID
	return nil
}

// MarkUnknown records that the caller could not answer. Filled fields are
// left alone; a known value is never downgraded.
func (b *Builder) MarkUnknown(fieldID, turnID string) error {
	if b.doc.sealed {
		return errorsx.Wrap(errSealed{}, errorsx.ReasonReportSealed)
	}
	f := b.doc.fields[fieldID]
	if f == nil {
		return errUnknownField(fieldID)
	}
	if f.Status != StatusUnfilled {
		return nil
	}
	f.Status = StatusUnknown
	f.Provenance = turnID
	return nil
}

// NextUnfilled returns the highest-priority field still awaiting an answer.
func (b *Builder) NextUnfilled() (FieldSpec, bool) {
	for _, id := range b.doc.order {
		f := b.doc.fields[id]
		if f.Status == StatusUnfilled {
			return f.Spec, true
		}
	}
	return FieldSpec{}, false
}

// Complete reports whether no unfilled fields remain.
func (b *Builder) Complete() bool { return b.doc.Complete() }

// Seal finalizes the document. Any field still unfilled is forced to
// explicitly-unknown so a terminated session never carries an unfilled slot.
// Sealing an already-sealed document is a no-op.
func (b *Builder) Seal() {
	if b.doc.sealed {
		return
	}
	for _, id := range b.doc.order {
		f := b.doc.fields[id]
		if f.Status == StatusUnfilled {
			f.Status = StatusUnknown
		}
	}
	b.doc.sealed = true
	b.doc.SealedAt = time.Now()
}

// Criticality derives a coarse severity from the hazard and impact fields.
func (b *Builder) Criticality() string {
	trapped := b.fieldValue("trapped") == "true"
	injuries := b.numeric("injuries")
	affected := b.numeric("people_affected")
	switch {
	case trapped || injuries >= 5:
		return "high"
	case injuries > 0 || affected >= 10:
		return "medium"
	default:
		return "low"
	}
}

func (b *Builder) fieldValue(id string) string {
	if f := b.doc.fields[id]; f != nil && f.Status == StatusFilled {
		return f.Value
	}
	return ""
}

func (b *Builder) numeric(id string) float64 {
	v := b.fieldValue(id)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return n
}

type errSealed struct{}

func (errSealed) Error() string { return "report already sealed" }

type errUnknownField string

func (e errUnknownField) Error() string { return "unknown report field: " + string(e) }
