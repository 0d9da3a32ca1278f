package audiobus

import (
	"sync"
	"testing"
	"time"

	"github.com/reliefops/triagecall/pkg/frames"
)

type captureSender struct {
	mu   sync.Mutex
	sent []frames.Frame
}

func (c *captureSender) Send(f frames.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, f)
	return nil
}

func (c *captureSender) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.sent {
		if f.Kind() == frames.KindAudio {
			n++
		}
	}
	return n
}

func (c *captureSender) hasControl(code frames.ControlCode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range c.sent {
		if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == code {
			return true
		}
	}
	return false
}

func synthStream(streamID string, n int) chan frames.Frame {
	ch := make(chan frames.Frame, n)
	for i := 0; i < n; i++ {
		ch <- frames.NewAudioFrame(streamID, int64(i), make([]byte, 160), 8000, 1, nil)
	}
	close(ch)
	return ch
}

type doneRecorder struct {
	mu    sync.Mutex
	calls []bool
}

func (d *doneRecorder) record(_ string, completed bool) {
	d.mu.Lock()
	d.calls = append(d.calls, completed)
	d.mu.Unlock()
}

// wait blocks until at least n completions were reported, then returns them.
func (d *doneRecorder) wait(t *testing.T, n int) []bool {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		d.mu.Lock()
		if len(d.calls) >= n {
			out := append([]bool(nil), d.calls...)
			d.mu.Unlock()
			return out
		}
		d.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("playback completion never reported")
	return nil
}

func TestPlaybackForwardsAudioThenReportsDone(t *testing.T) {
	sender := &captureSender{}
	rec := &doneRecorder{}
	bus := NewBus("stream-1", sender, rec.record)
	bus.Start()
	defer bus.Stop()

	bus.StartPlayback()
	bus.AttachSource(synthStream("stream-1", 5))

	if calls := rec.wait(t, 1); !calls[0] {
		t.Fatalf("expected natural completion")
	}
	if got := sender.audioCount(); got != 5 {
		t.Fatalf("expected 5 audio frames, got %d", got)
	}
	if _, active := bus.Active(); active {
		t.Fatalf("no playback should remain active")
	}
}

func TestCancelDropsRemainingAudioAndFlushes(t *testing.T) {
	sender := &captureSender{}
	rec := &doneRecorder{}
	bus := NewBus("stream-1", sender, rec.record)

	// Feed before the pump runs so every frame is queued, then cancel:
	// nothing queued for the playback may reach the transport.
	bus.StartPlayback()
	bus.AttachSource(synthStream("stream-1", 10))
	time.Sleep(20 * time.Millisecond)
	if !bus.CancelPlayback() {
		t.Fatalf("expected cancel to land")
	}
	bus.Start()

	if calls := rec.wait(t, 1); calls[0] {
		t.Fatalf("cancelled playback must not report completion")
	}
	time.Sleep(30 * time.Millisecond)
	if got := sender.audioCount(); got != 0 {
		t.Fatalf("cancelled audio leaked: %d frames", got)
	}
	if !sender.hasControl(frames.ControlFlush) {
		t.Fatalf("expected flush control for transport buffer clear")
	}
}

// A persistent adapter stream carries every synthesis of the call. After a
// cancel, the next playback on the same stream must receive all of its own
// frames and report completion.
func TestCancelKeepsSharedStreamUsableForNextPlayback(t *testing.T) {
	sender := &captureSender{}
	rec := &doneRecorder{}
	bus := NewBus("stream-1", sender, rec.record)
	bus.Start()
	defer bus.Stop()

	results := make(chan frames.Frame, 16)
	bus.AttachSource(results)

	bus.StartPlayback()
	if !bus.CancelPlayback() {
		t.Fatalf("expected cancel to land")
	}

	bus.StartPlayback()
	for i := 0; i < 3; i++ {
		results <- frames.NewAudioFrame("stream-1", int64(i), make([]byte, 160), 8000, 1, nil)
	}
	results <- frames.NewControlFrame("stream-1", 3, frames.ControlAudioReady, nil)

	calls := rec.wait(t, 2)
	if calls[0] {
		t.Fatalf("first completion must be the cancel")
	}
	if !calls[1] {
		t.Fatalf("second playback must complete naturally")
	}
	if got := sender.audioCount(); got != 3 {
		t.Fatalf("second playback lost audio: got %d frames, want 3", got)
	}
}

func TestFramesWithoutActivePlaybackAreDropped(t *testing.T) {
	sender := &captureSender{}
	bus := NewBus("stream-1", sender, nil)
	bus.Start()
	defer bus.Stop()

	results := make(chan frames.Frame, 4)
	bus.AttachSource(results)
	results <- frames.NewAudioFrame("stream-1", 0, make([]byte, 160), 8000, 1, nil)

	time.Sleep(30 * time.Millisecond)
	if got := sender.audioCount(); got != 0 {
		t.Fatalf("unattributed audio must not reach the transport, got %d frames", got)
	}
}

func TestStartInterruptionFrameCancelsPlayback(t *testing.T) {
	sender := &captureSender{}
	rec := &doneRecorder{}
	bus := NewBus("stream-1", sender, rec.record)
	bus.Start()
	defer bus.Stop()

	results := make(chan frames.Frame)
	bus.AttachSource(results)
	bus.StartPlayback()

	frame := frames.NewControlFrame("stream-1", 0, frames.ControlStartInterruption, nil)
	if err := bus.Emit(frame); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if calls := rec.wait(t, 1); calls[0] {
		t.Fatalf("interrupted playback must report cancellation")
	}
	close(results)
}

func TestAbandonedPlaybackReportsNothing(t *testing.T) {
	rec := &doneRecorder{}
	bus := NewBus("stream-1", &captureSender{}, rec.record)

	id := bus.StartPlayback()
	bus.AbandonPlayback(id)
	if _, active := bus.Active(); active {
		t.Fatalf("abandoned playback must not stay active")
	}
	if bus.CancelPlayback() {
		t.Fatalf("nothing left to cancel after abandon")
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.calls) != 0 {
		t.Fatalf("abandon must not report a completion")
	}
}

func TestCancelWithoutActivePlaybackIsNoop(t *testing.T) {
	bus := NewBus("stream-1", &captureSender{}, nil)
	if bus.CancelPlayback() {
		t.Fatalf("nothing to cancel")
	}
}
