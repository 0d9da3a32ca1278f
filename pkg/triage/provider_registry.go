package triage

import (
	"fmt"
	"strings"
	"time"

	"github.com/reliefops/triagecall/pkg/adapters/stt"
	"github.com/reliefops/triagecall/pkg/adapters/tts"
	"github.com/reliefops/triagecall/pkg/configutil"
	"github.com/reliefops/triagecall/pkg/llm"
	"github.com/reliefops/triagecall/pkg/providers/deepgram"
	"github.com/reliefops/triagecall/pkg/providers/elevenlabs"
	"github.com/reliefops/triagecall/pkg/providers/mock"
	"github.com/reliefops/triagecall/pkg/providers/openai"
	"github.com/reliefops/triagecall/pkg/resilience"
)

// Per-call adapter factories. STT and TTS connections are call-scoped; the
// LLM adapter is stateless and shared.
type (
	STTFactory func(callID, streamID string) stt.StreamingSTT
	TTSFactory func(callID, streamID string) tts.StreamingTTS

	STTBuilder func(cfg Config) (STTFactory, error)
	TTSBuilder func(cfg Config) (TTSFactory, error)
	LLMBuilder func(cfg Config) (llm.Adapter, error)
)

type ProviderRegistry struct {
	stt map[string]STTBuilder
	tts map[string]TTSBuilder
	llm map[string]LLMBuilder
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		stt: make(map[string]STTBuilder),
		tts: make(map[string]TTSBuilder),
		llm: make(map[string]LLMBuilder),
	}
}

func (r *ProviderRegistry) RegisterSTT(name string, b STTBuilder) {
	r.stt[strings.ToLower(strings.TrimSpace(name))] = b
}

func (r *ProviderRegistry) RegisterTTS(name string, b TTSBuilder) {
	r.tts[strings.ToLower(strings.TrimSpace(name))] = b
}

func (r *ProviderRegistry) RegisterLLM(name string, b LLMBuilder) {
	r.llm[strings.ToLower(strings.TrimSpace(name))] = b
}

func (r *ProviderRegistry) BuildSTT(provider string, cfg Config) (STTFactory, error) {
	b := r.stt[strings.ToLower(strings.TrimSpace(provider))]
	if b == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", provider)
	}
	return b(cfg)
}

func (r *ProviderRegistry) BuildTTS(provider string, cfg Config) (TTSFactory, error) {
	b := r.tts[strings.ToLower(strings.TrimSpace(provider))]
	if b == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", provider)
	}
	return b(cfg)
}

func (r *ProviderRegistry) BuildLLM(provider string, cfg Config) (llm.Adapter, error) {
	b := r.llm[strings.ToLower(strings.TrimSpace(provider))]
	if b == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", provider)
	}
	return b(cfg)
}

// DefaultRegistry wires the built-in vendors plus the in-memory doubles.
func DefaultRegistry() *ProviderRegistry {
	r := NewProviderRegistry()

	r.RegisterSTT("deepgram", func(cfg Config) (STTFactory, error) {
		var settings struct {
			APIKey         string `mapstructure:"api_key"`
			Model          string `mapstructure:"model"`
			Language       string `mapstructure:"language"`
			SampleRate     int    `mapstructure:"sample_rate"`
			Encoding       string `mapstructure:"encoding"`
			UtteranceEndMS int    `mapstructure:"utterance_end_ms"`
		}
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &settings); err != nil {
			return nil, fmt.Errorf("deepgram settings: %w", err)
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return nil, err
		}
		return func(callID, streamID string) stt.StreamingSTT {
			return deepgram.New(deepgram.Config{
				APIKey:         settings.APIKey,
				Model:          settings.Model,
				Language:       settings.Language,
				SampleRate:     configutil.IntValue(settings.SampleRate, 8000),
				Encoding:       settings.Encoding,
				Interim:        true,
				VADEvents:      true,
				UtteranceEndMS: settings.UtteranceEndMS,
				StreamID:       streamID,
				CallID:         callID,
			})
		}, nil
	})

	r.RegisterTTS("elevenlabs", func(cfg Config) (TTSFactory, error) {
		var settings struct {
			APIKey       string `mapstructure:"api_key"`
			VoiceID      string `mapstructure:"voice_id"`
			ModelID      string `mapstructure:"model_id"`
			OutputFormat string `mapstructure:"output_format"`
			SampleRate   int    `mapstructure:"sample_rate"`
		}
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &settings); err != nil {
			return nil, fmt.Errorf("elevenlabs settings: %w", err)
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.tts.settings.api_key"); err != nil {
			return nil, err
		}
		if err := configutil.RequireString(settings.VoiceID, "vendors.tts.settings.voice_id"); err != nil {
			return nil, err
		}
		return func(callID, streamID string) tts.StreamingTTS {
			return elevenlabs.New(elevenlabs.Config{
				APIKey:       settings.APIKey,
				VoiceID:      settings.VoiceID,
				ModelID:      settings.ModelID,
				OutputFormat: settings.OutputFormat,
				SampleRate:   configutil.IntValue(settings.SampleRate, 8000),
				StreamID:     streamID,
				CallID:       callID,
			})
		}, nil
	})

	r.RegisterLLM("openai", func(cfg Config) (llm.Adapter, error) {
		var settings struct {
			APIKey            string `mapstructure:"api_key"`
			Model             string `mapstructure:"model"`
			BaseURL           string `mapstructure:"base_url"`
			UseCircuitBreaker bool   `mapstructure:"use_circuit_breaker"`
			CircuitThreshold  int    `mapstructure:"circuit_threshold"`
			CircuitCooldownMS int    `mapstructure:"circuit_cooldown_ms"`
		}
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &settings); err != nil {
			return nil, fmt.Errorf("openai settings: %w", err)
		}
		if err := configutil.RequireString(settings.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return nil, err
		}
		a := openai.NewAdapter(settings.APIKey, settings.Model)
		if settings.BaseURL != "" {
			a.BaseURL = settings.BaseURL
		}
		if settings.UseCircuitBreaker {
			a.Breaker = resilience.NewCircuitBreaker(settings.CircuitThreshold,
				time.Duration(settings.CircuitCooldownMS)*time.Millisecond)
		}
		return a, nil
	})

	r.RegisterSTT("mock", func(cfg Config) (STTFactory, error) {
		return func(callID, streamID string) stt.StreamingSTT {
			return mock.NewSTT(streamID)
		}, nil
	})
	r.RegisterTTS("mock", func(cfg Config) (TTSFactory, error) {
		return func(callID, streamID string) tts.StreamingTTS {
			return mock.NewTTS(streamID)
		}, nil
	})
	r.RegisterLLM("mock", func(cfg Config) (llm.Adapter, error) {
		return mock.NewLLM(), nil
	})

	return r
}
