package redact

import "testing"

func TestTextRedactsPhoneWhenEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	out := Text("call me back at +1 555 123 4567 please")
	if out == "call me back at +1 555 123 4567 please" {
		t.Fatalf("expected phone number redacted, got %q", out)
	}
}

func TestTextPassthroughWhenDisabled(t *testing.T) {
	SetEnabled(false)
	in := "reach me at someone@example.com"
	if Text(in) != in {
		t.Fatalf("expected passthrough when disabled")
	}
}
