package configutil

import "testing"

func TestDecodeSettingsFoldsKeys(t *testing.T) {
	var out struct {
		APIKey     string `mapstructure:"api_key"`
		SampleRate int    `mapstructure:"sample_rate"`
	}
	err := DecodeSettings(map[string]any{
		"api-key":    "secret",
		"SampleRate": "16000",
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.APIKey != "secret" {
		t.Fatalf("api key not folded: %q", out.APIKey)
	}
	if out.SampleRate != 16000 {
		t.Fatalf("weakly typed int not decoded: %d", out.SampleRate)
	}
}

func TestIntValueDefaultsOnZero(t *testing.T) {
	if got := IntValue(0, 8000); got != 8000 {
		t.Fatalf("unset value must default, got %d", got)
	}
	if got := IntValue(16000, 8000); got != 16000 {
		t.Fatalf("set value must win, got %d", got)
	}
}

func TestRequireStringRejectsBlank(t *testing.T) {
	if err := RequireString("  ", "vendors.stt.settings.api_key"); err == nil {
		t.Fatalf("blank value must fail")
	}
	if err := RequireString("ok", "vendors.stt.settings.api_key"); err != nil {
		t.Fatalf("non-blank value must pass: %v", err)
	}
}
