package report

import (
	"testing"

	"github.com/reliefops/triagecall/pkg/errorsx"
)

func newTestBuilder() *Builder {
	return NewBuilder(NewDocument("call-1", DefaultFields()))
}

func TestCommitAndNextUnfilled(t *testing.T) {
	b := newTestBuilder()
	spec, ok := b.NextUnfilled()
	if !ok || spec.ID != "location" {
		t.Fatalf("expected location first, got %q", spec.ID)
	}
	if err := b.Commit("location", "riverside bridge", "turn-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	spec, ok = b.NextUnfilled()
	if !ok || spec.ID != "incident_type" {
		t.Fatalf("expected incident_type next, got %q", spec.ID)
	}
}

func TestCommitIdempotentKeepsProvenance(t *testing.T) {
	b := newTestBuilder()
	if err := b.Commit("location", "main street", "turn-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := b.Commit("location", "main street", "turn-5"); err != nil {
		t.Fatalf("re-commit: %v", err)
	}
	f := b.Document().Field("location")
	if f.Provenance != "turn-1" {
		t.Fatalf("expected provenance turn-1, got %s", f.Provenance)
	}
}

func TestCorrectionReopensField(t *testing.T) {
	b := newTestBuilder()
	_ = b.Commit("location", "main street", "turn-1")
	_ = b.Commit("location", "oak avenue", "turn-3")
	f := b.Document().Field("location")
	if f.Value != "oak avenue" || f.Provenance != "turn-3" {
		t.Fatalf("expected corrected value with new provenance, got %+v", f)
	}
}

func TestMarkUnknownNeverDowngradesFilled(t *testing.T) {
	b := newTestBuilder()
	_ = b.Commit("location", "main street", "turn-1")
	if err := b.MarkUnknown("location", "turn-2"); err != nil {
		t.Fatalf("mark unknown: %v", err)
	}
	if f := b.Document().Field("location"); f.Status != StatusFilled {
		t.Fatalf("filled field must not be downgraded, got %s", f.Status)
	}
}

func TestSealForcesUnknownAndIsIdempotent(t *testing.T) {
	b := newTestBuilder()
	_ = b.Commit("location", "main street", "turn-1")
	b.Seal()
	if !b.Document().Sealed() {
		t.Fatalf("expected sealed")
	}
	for _, f := range b.Document().Fields() {
		if f.Status == StatusUnfilled {
			t.Fatalf("field %s left unfilled after seal", f.Spec.ID)
		}
	}
	first := b.Document().SealedAt
	b.Seal()
	if b.Document().SealedAt != first {
		t.Fatalf("second seal must be a no-op")
	}
	err := b.Commit("caller_name", "sam", "turn-9")
	if !errorsx.HasReason(err, errorsx.ReasonReportSealed) {
		t.Fatalf("expected sealed reason, got %v", err)
	}
}

func TestValidateCandidate(t *testing.T) {
	specs := DefaultFields()
	byID := map[string]FieldSpec{}
	for _, s := range specs {
		byID[s.ID] = s
	}

	if _, err := ValidateCandidate(byID["people_affected"], "12"); err != nil {
		t.Fatalf("numeric: %v", err)
	}
	if _, err := ValidateCandidate(byID["people_affected"], "-3"); err == nil {
		t.Fatalf("expected out-of-range reject")
	}
	if v, err := ValidateCandidate(byID["incident_type"], "Flood"); err != nil || v != "flood" {
		t.Fatalf("enum normalize: %v %q", err, v)
	}
	if _, err := ValidateCandidate(byID["incident_type"], "alien invasion"); err == nil {
		t.Fatalf("expected enum reject")
	}
	if v, err := ValidateCandidate(byID["trapped"], "yes"); err != nil || v != "true" {
		t.Fatalf("bool normalize: %v %q", err, v)
	}
}

func TestCriticalityDerivation(t *testing.T) {
	b := newTestBuilder()
	if got := b.Criticality(); got != "low" {
		t.Fatalf("empty report should be low, got %s", got)
	}
	_ = b.Commit("trapped", "true", "turn-1")
	if got := b.Criticality(); got != "high" {
		t.Fatalf("trapped should be high, got %s", got)
	}
}

func TestBuildPayloadMarksUnknowns(t *testing.T) {
	b := newTestBuilder()
	_ = b.Commit("location", "harbor district", "turn-1")
	b.Seal()
	p := BuildPayload(b.Document(), b.Criticality(), "caller: help\n")
	if p.Location != "harbor district" {
		t.Fatalf("location: %q", p.Location)
	}
	if p.Name != "Unknown" {
		t.Fatalf("unanswered name should be Unknown, got %q", p.Name)
	}
	if p.Status != "open" {
		t.Fatalf("status: %q", p.Status)
	}
}
