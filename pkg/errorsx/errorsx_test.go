package errorsx

import "testing"

func TestWrapAndReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonExtractTimeout)
	if Reason(err) != ReasonExtractTimeout {
		t.Fatalf("expected reason %s, got %s", ReasonExtractTimeout, Reason(err))
	}
	if !HasReason(err, ReasonExtractTimeout) {
		t.Fatalf("expected HasReason true")
	}
}

func TestWrapPreservesExistingReason(t *testing.T) {
	first := Wrap(assertErr{}, ReasonSTTSend)
	second := Wrap(first, ReasonPromptGenerate)
	if Reason(second) != ReasonSTTSend {
		t.Fatalf("expected reason preserved, got %s", Reason(second))
	}
}

func TestErrorMessageCarriesReason(t *testing.T) {
	err := Wrap(assertErr{}, ReasonExtractTimeout)
	want := string(ReasonExtractTimeout) + ": boom"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonReportDeliver) != nil {
		t.Fatalf("expected nil passthrough")
	}
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
