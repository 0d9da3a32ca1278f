package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reliefops/triagecall/pkg/frames"
)

// Transport is an in-memory telephony double. Tests script a call by pushing
// lifecycle and audio frames; outbound agent audio is captured for
// inspection. No network involved.
type Transport struct {
	recvCh chan frames.Frame
	sentCh chan frames.Frame
	pts    *frames.PTSGen
	closed atomic.Bool
	mu     sync.Mutex
}

func New() *Transport {
	return &Transport{
		recvCh: make(chan frames.Frame, 256),
		sentCh: make(chan frames.Frame, 256),
		pts:    frames.NewPTSGen(),
	}
}

func (t *Transport) Name() string { return "mock" }

func (t *Transport) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		<-ctx.Done()
		_ = t.Stop()
	}()
	return nil
}

func (t *Transport) Stop() error {
	if t.closed.CompareAndSwap(false, true) {
		t.mu.Lock()
		close(t.recvCh)
		close(t.sentCh)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) Recv() <-chan frames.Frame { return t.recvCh }

func (t *Transport) Send(f frames.Frame) error {
	if t.closed.Load() {
		return nil
	}
	select {
	case t.sentCh <- f:
	default:
	}
	return nil
}

// Sent exposes outbound frames for inspection.
func (t *Transport) Sent() <-chan frames.Frame { return t.sentCh }

// Push injects an arbitrary inbound frame.
func (t *Transport) Push(f frames.Frame) {
	if t.closed.Load() {
		return
	}
	select {
	case t.recvCh <- f:
	default:
	}
}

// Connect simulates a new call reaching the line.
func (t *Transport) Connect(callID string) {
	t.Push(frames.NewSystemFrame(callID, time.Now().UnixNano(), frames.SystemCallConnected, map[string]string{
		frames.MetaCallID: callID,
	}))
}

// Disconnect simulates the caller hanging up.
func (t *Transport) Disconnect(callID string) {
	t.Push(frames.NewSystemFrame(callID, time.Now().UnixNano(), frames.SystemCallDisconnected, map[string]string{
		frames.MetaCallID: callID,
	}))
}

// PushAudio simulates one inbound caller audio chunk.
func (t *Transport) PushAudio(callID string, data []byte) {
	t.Push(frames.NewAudioFrame(callID, t.pts.Next(callID), data, 8000, 1, map[string]string{
		frames.MetaCallID: callID,
	}))
}
