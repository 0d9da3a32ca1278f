package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/reliefops/triagecall/pkg/frames"
	"github.com/reliefops/triagecall/pkg/llm"
)

// STT is a deterministic speech-to-text double. Tests drive it by pushing
// transcript fragments; caller audio is counted and discarded.
type STT struct {
	results  chan frames.Frame
	pts      *frames.PTSGen
	streamID string
	audioIn  int64
	closed   atomic.Bool
	StartErr error
}

func NewSTT(streamID string) *STT {
	return &STT{
		results:  make(chan frames.Frame, 64),
		pts:      frames.NewPTSGen(),
		streamID: streamID,
	}
}

func (s *STT) Name() string { return "mock-stt" }

func (s *STT) Start(ctx context.Context) error { return s.StartErr }

func (s *STT) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.results)
	}
	return nil
}

func (s *STT) SendAudio(frame frames.AudioFrame) error {
	atomic.AddInt64(&s.audioIn, 1)
	return nil
}

func (s *STT) Results() <-chan frames.Frame { return s.results }

func (s *STT) AudioFrames() int64 { return atomic.LoadInt64(&s.audioIn) }

// Push emits one transcript fragment, final or not.
func (s *STT) Push(text string, final bool) {
	meta := map[string]string{frames.MetaIsFinal: "false"}
	if final {
		meta[frames.MetaIsFinal] = "true"
	}
	s.results <- frames.NewTextFrame(s.streamID, s.pts.Next(s.streamID), text, meta)
}

// TTS is a text-to-speech double: every SendText synthesizes a fixed number
// of silent audio frames followed by the synthesis-boundary control.
type TTS struct {
	results       chan frames.Frame
	pts           *frames.PTSGen
	streamID      string
	framesPerSay  int
	mu            sync.Mutex
	spoken        []string
	flushes       int
	failRemaining int
	holdReady     bool
	owedReady     int
	closed        atomic.Bool
	StartErr      error
}

func NewTTS(streamID string) *TTS {
	return &TTS{
		results:      make(chan frames.Frame, 256),
		pts:          frames.NewPTSGen(),
		streamID:     streamID,
		framesPerSay: 3,
	}
}

func (t *TTS) Name() string { return "mock-tts" }

func (t *TTS) Start(ctx context.Context) error { return t.StartErr }

func (t *TTS) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		close(t.results)
	}
	return nil
}

// FailNext makes the next n SendText calls fail, to exercise degraded paths.
func (t *TTS) FailNext(n int) {
	t.mu.Lock()
	t.failRemaining = n
	t.mu.Unlock()
}

// HoldSynthesis withholds the audio-ready boundary after each SendText until
// ReleaseSynthesis, keeping the playback in flight so tests can interrupt it.
func (t *TTS) HoldSynthesis() {
	t.mu.Lock()
	t.holdReady = true
	t.mu.Unlock()
}

// ReleaseSynthesis emits the withheld boundaries and stops holding.
func (t *TTS) ReleaseSynthesis() {
	t.mu.Lock()
	owed := t.owedReady
	t.owedReady = 0
	t.holdReady = false
	t.mu.Unlock()
	for i := 0; i < owed; i++ {
		t.results <- frames.NewControlFrame(t.streamID, t.pts.Next(t.streamID), frames.ControlAudioReady, nil)
	}
}

func (t *TTS) SendText(text string) error {
	t.mu.Lock()
	if t.failRemaining > 0 {
		t.failRemaining--
		t.mu.Unlock()
		return errSynthesis{}
	}
	t.spoken = append(t.spoken, text)
	t.mu.Unlock()

	for i := 0; i < t.framesPerSay; i++ {
		t.results <- frames.NewAudioFrame(t.streamID, t.pts.Next(t.streamID), make([]byte, 160), 8000, 1, nil)
	}
	t.mu.Lock()
	hold := t.holdReady
	if hold {
		t.owedReady++
	}
	t.mu.Unlock()
	if !hold {
		t.results <- frames.NewControlFrame(t.streamID, t.pts.Next(t.streamID), frames.ControlAudioReady, nil)
	}
	return nil
}

// Flush purges buffered frames, honoring the adapter contract: a flushed
// synthesis emits nothing further before the next SendText.
func (t *TTS) Flush() {
	t.mu.Lock()
	t.flushes++
	t.owedReady = 0
	t.mu.Unlock()
	for {
		select {
		case <-t.results:
		default:
			return
		}
	}
}

func (t *TTS) Results() <-chan frames.Frame { return t.results }

func (t *TTS) Spoken() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.spoken))
	copy(out, t.spoken)
	return out
}

func (t *TTS) Flushes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushes
}

type errSynthesis struct{}

func (errSynthesis) Error() string { return "synthesis unavailable" }

// LLM is a scripted language-model double. ExtractFn and PromptFn default to
// verbatim echo with high confidence.
type LLM struct {
	mu        sync.Mutex
	ExtractFn func(req llm.ExtractRequest) (llm.Extraction, error)
	PromptFn  func(req llm.PromptRequest) (string, error)
	extracts  []llm.ExtractRequest
}

func NewLLM() *LLM { return &LLM{} }

func (l *LLM) Name() string { return "mock-llm" }

func (l *LLM) ExtractField(ctx context.Context, req llm.ExtractRequest) (llm.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return llm.Extraction{}, err
	}
	l.mu.Lock()
	l.extracts = append(l.extracts, req)
	fn := l.ExtractFn
	l.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return llm.Extraction{Value: req.TurnText, Confidence: 0.95, Found: true}, nil
}

func (l *LLM) GeneratePrompt(ctx context.Context, req llm.PromptRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	l.mu.Lock()
	fn := l.PromptFn
	l.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	if req.Question != "" {
		return req.Question, nil
	}
	return "Hello, what is your location?", nil
}

// ExtractRequests returns the extraction calls seen so far.
func (l *LLM) ExtractRequests() []llm.ExtractRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]llm.ExtractRequest, len(l.extracts))
	copy(out, l.extracts)
	return out
}
