package session

import (
	"context"
	"sync"
	"time"

	"github.com/reliefops/triagecall/pkg/adapters/stt"
	"github.com/reliefops/triagecall/pkg/adapters/tts"
	"github.com/reliefops/triagecall/pkg/audiobus"
	"github.com/reliefops/triagecall/pkg/dialogue"
	"github.com/reliefops/triagecall/pkg/frames"
	"github.com/reliefops/triagecall/pkg/interrupt"
	"github.com/reliefops/triagecall/pkg/llm"
	"github.com/reliefops/triagecall/pkg/metrics"
	"github.com/reliefops/triagecall/pkg/report"
	"github.com/reliefops/triagecall/pkg/transcript"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerAgent  Speaker = "agent"
	SpeakerCaller Speaker = "caller"
)

// Turn is one finished utterance in the call history. History is append-only;
// corrections happen at the report layer, never by rewriting turns.
type Turn struct {
	ID      string
	Speaker Speaker
	Start   time.Time
	End     time.Time
	Text    string
	Final   bool
}

// Deps are the session's collaborators. All of them may fail; the loop owns
// the policy for degrading instead of crashing the call.
type Deps struct {
	STT       stt.StreamingSTT
	TTS       tts.StreamingTTS
	LLM       llm.Adapter
	Sender    audiobus.Sender
	Deliverer report.Deliverer
	Observer  metrics.Observer
}

// Options carries per-call tunables, normally sourced from config.
type Options struct {
	SilenceGap    time.Duration
	MinBargeIn    time.Duration
	AnswerTimeout time.Duration
	LLMTimeout    time.Duration
	Thresholds    dialogue.Thresholds
}

func DefaultOptions() Options {
	return Options{
		SilenceGap:    transcript.DefaultSilenceGap,
		MinBargeIn:    interrupt.DefaultMinSpeech,
		AnswerTimeout: 8 * time.Second,
		LLMTimeout:    4 * time.Second,
		Thresholds:    dialogue.DefaultThresholds(),
	}
}

// Session owns one live call end to end: audio in, report out. Every
// decision runs on a single event-loop goroutine; the only concurrent
// touchpoints are PushAudio (data plane) and Disconnect (enqueue only).
type Session struct {
	id       string
	streamID string
	started  time.Time

	deps Deps
	opts Options

	builder    *report.Builder
	machine    *dialogue.Machine
	agg        *transcript.Aggregator
	interrupts *interrupt.Controller
	bus        *audiobus.Bus

	events chan event
	done   chan struct{}

	// pending is a caller turn that finalized during the greeting, waiting
	// for the greeting's completion event. Loop goroutine only.
	pending *heldTurn

	mu        sync.Mutex
	history   []Turn
	delivered bool
}

func NewSession(callID string, deps Deps, opts Options) *Session {
	if opts.AnswerTimeout <= 0 {
		opts = DefaultOptions()
	}
	// The stream carries the call SID so transports can route playback
	// frames back to the right connection without a lookup table.
	streamID := callID
	doc := report.NewDocument(callID, report.DefaultFields())
	builder := report.NewBuilder(doc)

	s := &Session{
		id:       callID,
		streamID: streamID,
		started:  time.Now(),
		deps:     deps,
		opts:     opts,
		builder:  builder,
		machine:  dialogue.NewMachine(streamID, builder, opts.Thresholds),
		agg:      transcript.NewAggregator(opts.SilenceGap),
		events:   make(chan event, 64),
		done:     make(chan struct{}),
	}
	s.bus = audiobus.NewBus(streamID, deps.Sender, s.onPlaybackDone)
	s.interrupts = interrupt.NewController(streamID, s.bus, opts.MinBargeIn)
	if deps.Observer != nil {
		s.machine.SetObserver(deps.Observer)
		s.interrupts.SetObserver(deps.Observer)
	}
	return s
}

func (s *Session) ID() string        { return s.id }
func (s *Session) StreamID() string  { return s.streamID }
func (s *Session) Done() <-chan struct{} { return s.done }

// Report returns the call's report document.
func (s *Session) Report() *report.Document { return s.builder.Document() }

// Criticality derives the sealed report's severity. Meaningful after Done.
func (s *Session) Criticality() string { return s.builder.Criticality() }

// History returns a copy of the finished turns so far.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// PushAudio forwards caller audio to the STT stream. This is the data plane:
// it bypasses the event loop on purpose, decisions only ever come back
// through STT results.
func (s *Session) PushAudio(frame frames.AudioFrame) error {
	err := s.deps.STT.SendAudio(frame)
	frames.ReleaseAudioFrame(frame)
	return err
}

// Disconnect signals an abrupt caller hang-up.
func (s *Session) Disconnect() {
	s.enqueue(event{kind: evDisconnect})
}

// Start runs the event loop until the call terminates.
func (s *Session) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Session) enqueue(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *Session) onPlaybackDone(playbackID string, completed bool) {
	s.enqueue(event{kind: evPlaybackDone, playbackID: playbackID, completed: completed})
}

func (s *Session) appendTurn(t Turn) {
	s.mu.Lock()
	s.history = append(s.history, t)
	s.mu.Unlock()
}

// Transcript renders the caller-visible dialogue for the incident report.
func (s *Session) Transcript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sb []byte
	for _, t := range s.history {
		sb = append(sb, string(t.Speaker)...)
		sb = append(sb, ": "...)
		sb = append(sb, t.Text...)
		sb = append(sb, '\n')
	}
	return string(sb)
}
