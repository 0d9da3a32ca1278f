package triage

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Dialogue.SilenceGapMS != 700 {
		t.Fatalf("expected default silence gap 700ms, got %d", cfg.Dialogue.SilenceGapMS)
	}
	if cfg.Dialogue.MinBargeInMS != 300 {
		t.Fatalf("expected default barge-in floor 300ms, got %d", cfg.Dialogue.MinBargeInMS)
	}
	if cfg.Dialogue.MaxRetries != 2 {
		t.Fatalf("expected default max retries 2, got %d", cfg.Dialogue.MaxRetries)
	}
	if cfg.Dialogue.CallCeilingMS != 300000 {
		t.Fatalf("expected default call ceiling 5m, got %d", cfg.Dialogue.CallCeilingMS)
	}
	if cfg.Dialogue.AcceptConfidence != 0.8 || cfg.Dialogue.ConfirmConfidence != 0.45 {
		t.Fatalf("unexpected confidence defaults: %v/%v", cfg.Dialogue.AcceptConfidence, cfg.Dialogue.ConfirmConfidence)
	}
	if !cfg.Privacy.RedactPII {
		t.Fatalf("redaction must default on")
	}
	if cfg.Escalation.Enabled {
		t.Fatalf("escalation must default off")
	}
}

func TestLoadConfigExpandsEnvInSettings(t *testing.T) {
	t.Setenv("TEST_DG_KEY", "dg-secret")
	t.Setenv("TEST_REPORT_URL", "https://reports.example.org")
	path := writeConfig(t, `
transports:
  provider: mock
report:
  base_url: $TEST_REPORT_URL
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${TEST_DG_KEY}
  tts:
    provider: mock
  llm:
    provider: mock
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "dg-secret" {
		t.Fatalf("expected env-expanded api key, got %v", got)
	}
	if cfg.Report.BaseURL != "https://reports.example.org" {
		t.Fatalf("expected env-expanded report url, got %q", cfg.Report.BaseURL)
	}
}

func TestLoadConfigRejectsMissingProvider(t *testing.T) {
	path := writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for missing llm provider")
	}
}

func TestLoadConfigRejectsInvertedConfidenceBands(t *testing.T) {
	path := writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
dialogue:
  accept_confidence: 0.3
  confirm_confidence: 0.6
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error when accept < confirm")
	}
}
