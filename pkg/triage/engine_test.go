package triage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/reliefops/triagecall/pkg/adapters/stt"
	"github.com/reliefops/triagecall/pkg/adapters/tts"
	"github.com/reliefops/triagecall/pkg/llm"
	"github.com/reliefops/triagecall/pkg/providers/mock"
	"github.com/reliefops/triagecall/pkg/report"
	transportmock "github.com/reliefops/triagecall/pkg/transports/mock"
)

type testHarness struct {
	mu  sync.Mutex
	stt map[string]*mock.STT
	tts map[string]*mock.TTS
}

func (h *testHarness) registry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterSTT("scripted", func(cfg Config) (STTFactory, error) {
		return func(callID, streamID string) stt.StreamingSTT {
			s := mock.NewSTT(streamID)
			h.mu.Lock()
			h.stt[callID] = s
			h.mu.Unlock()
			return s
		}, nil
	})
	r.RegisterTTS("scripted", func(cfg Config) (TTSFactory, error) {
		return func(callID, streamID string) tts.StreamingTTS {
			t := mock.NewTTS(streamID)
			h.mu.Lock()
			h.tts[callID] = t
			h.mu.Unlock()
			return t
		}, nil
	})
	r.RegisterLLM("scripted", func(cfg Config) (llm.Adapter, error) {
		return mock.NewLLM(), nil
	})
	return r
}

func (h *testHarness) call(id string) (*mock.STT, *mock.TTS, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, okS := h.stt[id]
	t, okT := h.tts[id]
	return s, t, okS && okT
}

type recordingDeliverer struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingDeliverer) Deliver(_ context.Context, doc *report.Document, criticality, _ string) error {
	r.mu.Lock()
	r.calls = append(r.calls, doc.CallID+"/"+criticality)
	r.mu.Unlock()
	return nil
}

func (r *recordingDeliverer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type recordingEscalator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingEscalator) Escalate(_ context.Context, callID string) error {
	r.mu.Lock()
	r.calls = append(r.calls, callID)
	r.mu.Unlock()
	return nil
}

func (r *recordingEscalator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func scriptedConfig() Config {
	return Config{
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "scripted"},
			TTS: VendorConfig{Provider: "scripted"},
			LLM: VendorConfig{Provider: "scripted"},
		},
		Transports: TransportsConfig{Provider: "mock"},
		Escalation: EscalationConfig{Enabled: true},
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEngineRunsCallEndToEnd(t *testing.T) {
	h := &testHarness{stt: map[string]*mock.STT{}, tts: map[string]*mock.TTS{}}
	tr := transportmock.New()
	del := &recordingDeliverer{}
	esc := &recordingEscalator{}

	eng, err := NewEngine(scriptedConfig(), tr, h.registry(), WithDeliverer(del), WithEscalator(esc))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Run(ctx) }()

	tr.Connect("CA100")
	waitUntil(t, "session start", func() bool {
		_, _, ok := h.call("CA100")
		return ok && eng.ActiveCalls() == 1
	})
	sttH, ttsH, _ := h.call("CA100")

	// Caller audio reaches the call-scoped STT stream.
	tr.PushAudio("CA100", make([]byte, 160))
	waitUntil(t, "audio routed", func() bool { return sttH.AudioFrames() >= 1 })

	answers := []string{"collapsed school on elm road", "collapse", "yes", "30", "6", "Ferry"}
	for i, text := range answers {
		prompts := i + 2 // greeting + the question being answered
		waitUntil(t, "prompt "+text, func() bool { return len(ttsH.Spoken()) >= prompts })
		sttH.Push(text, true)
	}

	waitUntil(t, "call finished", func() bool { return eng.ActiveCalls() == 0 })
	if del.count() != 1 {
		t.Fatalf("expected one delivery, got %d", del.count())
	}
	// trapped=yes makes this high criticality, which must page a human.
	waitUntil(t, "escalation", func() bool { return esc.count() == 1 })
}

func TestEngineDisconnectMidCallStillDelivers(t *testing.T) {
	h := &testHarness{stt: map[string]*mock.STT{}, tts: map[string]*mock.TTS{}}
	tr := transportmock.New()
	del := &recordingDeliverer{}

	eng, err := NewEngine(scriptedConfig(), tr, h.registry(), WithDeliverer(del))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Run(ctx) }()

	tr.Connect("CA200")
	waitUntil(t, "session start", func() bool {
		_, _, ok := h.call("CA200")
		return ok
	})
	_, ttsH, _ := h.call("CA200")
	waitUntil(t, "greeting", func() bool { return len(ttsH.Spoken()) >= 1 })

	tr.Disconnect("CA200")
	waitUntil(t, "call finished", func() bool { return eng.ActiveCalls() == 0 })
	if del.count() != 1 {
		t.Fatalf("expected delivery on hang-up, got %d", del.count())
	}
}

func TestEngineIgnoresDuplicateConnect(t *testing.T) {
	h := &testHarness{stt: map[string]*mock.STT{}, tts: map[string]*mock.TTS{}}
	tr := transportmock.New()

	eng, err := NewEngine(scriptedConfig(), tr, h.registry())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = eng.Run(ctx) }()

	tr.Connect("CA300")
	tr.Connect("CA300")
	waitUntil(t, "session start", func() bool { return eng.ActiveCalls() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if n := eng.ActiveCalls(); n != 1 {
		t.Fatalf("duplicate connect must not fork sessions, got %d", n)
	}
	tr.Disconnect("CA300")
	waitUntil(t, "call finished", func() bool { return eng.ActiveCalls() == 0 })
}
