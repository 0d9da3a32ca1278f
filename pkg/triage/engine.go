package triage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reliefops/triagecall/pkg/dialogue"
	"github.com/reliefops/triagecall/pkg/frames"
	"github.com/reliefops/triagecall/pkg/llm"
	"github.com/reliefops/triagecall/pkg/metrics"
	"github.com/reliefops/triagecall/pkg/report"
	"github.com/reliefops/triagecall/pkg/session"
	"github.com/reliefops/triagecall/pkg/transports"
)

// Escalator rings a human dispatcher about an incident.
type Escalator interface {
	Escalate(ctx context.Context, incidentCallID string) error
}

// Engine routes transport traffic to per-call sessions. One engine serves one
// transport; each connected call gets its own session with call-scoped STT
// and TTS connections.
type Engine struct {
	cfg       Config
	transport transports.Transport
	sttF      STTFactory
	ttsF      TTSFactory
	llm       llm.Adapter
	deliverer report.Deliverer
	escalator Escalator
	obs       metrics.Observer

	mu       sync.Mutex
	sessions map[string]*session.Session
	wg       sync.WaitGroup
}

type EngineOption func(*Engine)

func WithDeliverer(d report.Deliverer) EngineOption {
	return func(e *Engine) { e.deliverer = d }
}

func WithEscalator(es Escalator) EngineOption {
	return func(e *Engine) { e.escalator = es }
}

func WithObserver(obs metrics.Observer) EngineOption {
	return func(e *Engine) { e.obs = obs }
}

func NewEngine(cfg Config, transport transports.Transport, registry *ProviderRegistry, opts ...EngineOption) (*Engine, error) {
	sttF, err := registry.BuildSTT(cfg.Vendors.STT.Provider, cfg)
	if err != nil {
		return nil, err
	}
	ttsF, err := registry.BuildTTS(cfg.Vendors.TTS.Provider, cfg)
	if err != nil {
		return nil, err
	}
	model, err := registry.BuildLLM(cfg.Vendors.LLM.Provider, cfg)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		transport: transport,
		sttF:      sttF,
		ttsF:      ttsF,
		llm:       model,
		obs:       metrics.NoopObserver{},
		sessions:  make(map[string]*session.Session),
	}
	if cfg.Report.BaseURL != "" {
		e.deliverer = report.NewHTTPDeliverer(cfg.Report.BaseURL)
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Run pumps the transport until the context ends or the transport closes.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	slog.Info("engine_started", "transport", e.transport.Name(),
		"stt", e.cfg.Vendors.STT.Provider,
		"tts", e.cfg.Vendors.TTS.Provider,
		"llm", e.cfg.Vendors.LLM.Provider)

	for {
		select {
		case <-ctx.Done():
			e.drain()
			return ctx.Err()
		case f, ok := <-e.transport.Recv():
			if !ok {
				e.drain()
				return nil
			}
			e.route(ctx, f)
		}
	}
}

func (e *Engine) route(ctx context.Context, f frames.Frame) {
	callID := f.Meta()[frames.MetaCallID]
	switch v := f.(type) {
	case frames.SystemFrame:
		switch v.Name() {
		case frames.SystemCallConnected:
			e.startSession(ctx, callID)
		case frames.SystemCallDisconnected:
			if s := e.lookup(callID); s != nil {
				s.Disconnect()
			}
		}
	case frames.AudioFrame:
		if s := e.lookup(callID); s != nil {
			if err := s.PushAudio(v); err != nil {
				slog.Debug("caller_audio_dropped", "call_id", callID, "error", err.Error())
			}
		}
	}
}

func (e *Engine) startSession(ctx context.Context, callID string) {
	if callID == "" {
		slog.Warn("call_connected_without_id")
		return
	}
	e.mu.Lock()
	if _, exists := e.sessions[callID]; exists {
		e.mu.Unlock()
		slog.Warn("duplicate_call_connected", "call_id", callID)
		return
	}
	e.mu.Unlock()

	streamID := callID
	deps := session.Deps{
		STT:       e.sttF(callID, streamID),
		TTS:       e.ttsF(callID, streamID),
		LLM:       e.llm,
		Sender:    e.transport,
		Deliverer: e.deliverer,
		Observer:  e.obs,
	}
	s := session.NewSession(callID, deps, e.sessionOptions())

	e.mu.Lock()
	e.sessions[callID] = s
	e.mu.Unlock()

	slog.Info("call_session_created", "call_id", callID)
	s.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		<-s.Done()
		e.finishSession(callID, s)
	}()
}

func (e *Engine) finishSession(callID string, s *session.Session) {
	e.mu.Lock()
	delete(e.sessions, callID)
	e.mu.Unlock()

	criticality := s.Criticality()
	slog.Info("call_session_closed", "call_id", callID, "criticality", criticality)

	if e.escalator != nil && e.cfg.Escalation.Enabled && criticality == "high" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.escalator.Escalate(ctx, callID); err != nil {
			slog.Error("escalation_failed", "call_id", callID, "error", err.Error())
		}
	}
}

func (e *Engine) lookup(callID string) *session.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[callID]
}

// drain disconnects every live session and waits for their reports to seal.
func (e *Engine) drain() {
	e.mu.Lock()
	live := make([]*session.Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		live = append(live, s)
	}
	e.mu.Unlock()

	for _, s := range live {
		s.Disconnect()
	}
	e.wg.Wait()
	_ = e.transport.Stop()
	slog.Info("engine_stopped")
}

// ActiveCalls reports how many sessions are currently live.
func (e *Engine) ActiveCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

func (e *Engine) sessionOptions() session.Options {
	d := e.cfg.Dialogue
	opts := session.DefaultOptions()
	if d.SilenceGapMS > 0 {
		opts.SilenceGap = time.Duration(d.SilenceGapMS) * time.Millisecond
	}
	if d.MinBargeInMS > 0 {
		opts.MinBargeIn = time.Duration(d.MinBargeInMS) * time.Millisecond
	}
	if d.AnswerTimeoutMS > 0 {
		opts.AnswerTimeout = time.Duration(d.AnswerTimeoutMS) * time.Millisecond
	}
	if d.LLMTimeoutMS > 0 {
		opts.LLMTimeout = time.Duration(d.LLMTimeoutMS) * time.Millisecond
	}
	th := dialogue.DefaultThresholds()
	if d.AcceptConfidence > 0 {
		th.Accept = d.AcceptConfidence
	}
	if d.ConfirmConfidence > 0 {
		th.Confirm = d.ConfirmConfidence
	}
	if d.MaxRetries > 0 {
		th.MaxRetries = d.MaxRetries
	}
	if d.CallCeilingMS > 0 {
		th.CallCeiling = time.Duration(d.CallCeilingMS) * time.Millisecond
	}
	opts.Thresholds = th
	return opts
}
