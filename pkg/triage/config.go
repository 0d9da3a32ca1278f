package triage

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Vendors     VendorsConfig    `mapstructure:"vendors"`
	Transports  TransportsConfig `mapstructure:"transports"`
	Dialogue    DialogueConfig   `mapstructure:"dialogue"`
	Report      ReportConfig     `mapstructure:"report"`
	Escalation  EscalationConfig `mapstructure:"escalation"`
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	LogFormat   string           `mapstructure:"log_format"`
	Privacy     PrivacyConfig    `mapstructure:"privacy"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

// DialogueConfig carries the protocol tunables of a call.
type DialogueConfig struct {
	SilenceGapMS      int     `mapstructure:"silence_gap_ms"`
	MinBargeInMS      int     `mapstructure:"min_barge_in_ms"`
	AnswerTimeoutMS   int     `mapstructure:"answer_timeout_ms"`
	LLMTimeoutMS      int     `mapstructure:"llm_timeout_ms"`
	MaxRetries        int     `mapstructure:"max_retries"`
	CallCeilingMS     int     `mapstructure:"call_ceiling_ms"`
	AcceptConfidence  float64 `mapstructure:"accept_confidence"`
	ConfirmConfidence float64 `mapstructure:"confirm_confidence"`
}

type ReportConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type EscalationConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Settings map[string]any `mapstructure:"settings"`
}

type PrivacyConfig struct {
	RedactPII bool `mapstructure:"redact_pii"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("dialogue.silence_gap_ms", 700)
	v.SetDefault("dialogue.min_barge_in_ms", 300)
	v.SetDefault("dialogue.answer_timeout_ms", 8000)
	v.SetDefault("dialogue.llm_timeout_ms", 4000)
	v.SetDefault("dialogue.max_retries", 2)
	v.SetDefault("dialogue.call_ceiling_ms", 300000)
	v.SetDefault("dialogue.accept_confidence", 0.8)
	v.SetDefault("dialogue.confirm_confidence", 0.45)
	v.SetDefault("escalation.enabled", false)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("privacy.redact_pii", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	if c.Dialogue.MaxRetries < 0 {
		return fmt.Errorf("dialogue.max_retries must be >= 0")
	}
	if c.Dialogue.AcceptConfidence < c.Dialogue.ConfirmConfidence {
		return fmt.Errorf("dialogue.accept_confidence must be >= confirm_confidence")
	}
	return nil
}

func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
	cfg.Escalation.Settings = expandSettings(cfg.Escalation.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, v := range val {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = expandAny(v)
		}
		return out
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && v.Type().Elem().Kind() == reflect.String {
			for _, key := range v.MapKeys() {
				val := v.MapIndex(key)
				expanded := os.ExpandEnv(val.String())
				v.SetMapIndex(key, reflect.ValueOf(expanded))
			}
		}
	}
}
