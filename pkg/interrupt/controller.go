package interrupt

import (
	"log/slog"
	"sync"
	"time"

	"github.com/reliefops/triagecall/pkg/frames"
	"github.com/reliefops/triagecall/pkg/metrics"
)

// Emitter receives the stop-agent-speech control frames.
type Emitter interface {
	Emit(frame frames.Frame) error
}

// Controller arbitrates who is allowed to speak. While synthesized agent
// speech is playing, caller speech onset is classified as either a short
// backchannel (ignored) or a substantive barge-in (agent playback stopped).
type Controller struct {
	mu        sync.Mutex
	streamID  string
	emitter   Emitter
	obs       metrics.Observer
	minSpeech time.Duration

	speaking   bool
	onsetAt    time.Time
	interrupts int
}

// DefaultMinSpeech is the shortest caller speech run treated as a real
// barge-in; anything shorter is assumed to be "mm-hmm" style acknowledgement.
const DefaultMinSpeech = 300 * time.Millisecond

func NewController(streamID string, emitter Emitter, minSpeech time.Duration) *Controller {
	if minSpeech <= 0 {
		minSpeech = DefaultMinSpeech
	}
	return &Controller{
		streamID:  streamID,
		emitter:   emitter,
		minSpeech: minSpeech,
	}
}

func (c *Controller) SetObserver(obs metrics.Observer) {
	c.mu.Lock()
	c.obs = obs
	c.mu.Unlock()
}

// OnAgentSpeechStart marks the beginning of agent playback.
func (c *Controller) OnAgentSpeechStart() {
	c.mu.Lock()
	c.speaking = true
	c.onsetAt = time.Time{}
	c.mu.Unlock()
}

// OnAgentSpeechEnd marks natural completion of agent playback. Completion
// always wins a same-tick race with barge-in detection: once the agent has
// finished there is nothing left to cancel.
func (c *Controller) OnAgentSpeechEnd() {
	c.mu.Lock()
	c.speaking = false
	c.onsetAt = time.Time{}
	c.mu.Unlock()
}

// OnUtteranceStarted records caller speech onset. The event is consumed here
// and never persisted.
func (c *Controller) OnUtteranceStarted(at time.Time) {
	c.mu.Lock()
	if c.speaking {
		c.onsetAt = at
	}
	c.mu.Unlock()
}

// OnSpeechProgress reports how long the in-flight caller utterance has been
// running. Returns true when this crossed the barge-in threshold and agent
// playback was stopped.
func (c *Controller) OnSpeechProgress(duration time.Duration) bool {
	c.mu.Lock()
	if !c.speaking || c.onsetAt.IsZero() || duration < c.minSpeech {
		c.mu.Unlock()
		return false
	}
	c.speaking = false
	c.onsetAt = time.Time{}
	c.interrupts++
	emitter := c.emitter
	obs := c.obs
	streamID := c.streamID
	c.mu.Unlock()

	slog.Info("barge_in", "stream_id", streamID, "speech_ms", duration.Milliseconds())
	if emitter != nil {
		meta := map[string]string{
			frames.MetaSource: "interrupt",
			frames.MetaReason: "barge_in",
		}
		_ = emitter.Emit(frames.NewControlFrame(streamID, time.Now().UnixNano(), frames.ControlStartInterruption, meta))
	}
	if obs != nil {
		obs.RecordEvent(metrics.MetricsEvent{
			Name:  metrics.EventBargeIn,
			Time:  time.Now(),
			Value: float64(duration.Milliseconds()),
			Tags:  map[string]string{frames.MetaStreamID: streamID},
		})
	}
	return true
}

// Speaking reports whether agent playback is currently active.
func (c *Controller) Speaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

// Interrupts returns how many barge-ins were triggered this session.
func (c *Controller) Interrupts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupts
}
