package audiobus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reliefops/triagecall/pkg/errorsx"
	"github.com/reliefops/triagecall/pkg/frames"
	"github.com/reliefops/triagecall/pkg/priority"
)

// Sender is the downstream half of the bus, typically a call transport.
type Sender interface {
	Send(frame frames.Frame) error
}

// DoneFunc is invoked from the pump goroutine when a playback finishes.
// completed is false when the playback was cancelled mid-stream.
type DoneFunc func(playbackID string, completed bool)

// Bus moves synthesized agent audio to the transport through a two-band
// queue: control frames ride the high band so a cancel overtakes queued
// audio. One reader owns the synthesis result stream for the whole call and
// attributes frames to whichever playback is active, so a cancelled playback
// can never swallow the next one's audio. At most one playback is active at
// a time; audio belonging to a cancelled playback is dropped at the pump
// instead of reaching the caller.
type Bus struct {
	streamID string
	sender   Sender
	queue    *priority.PriorityQueue
	pts      *frames.PTSGen
	onDone   DoneFunc

	mu        sync.Mutex
	active    string
	cancelled map[string]bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

const (
	highCap = 16
	lowCap  = 256
)

func NewBus(streamID string, sender Sender, onDone DoneFunc) *Bus {
	return &Bus{
		streamID:  streamID,
		sender:    sender,
		queue:     priority.New(highCap, lowCap, 3),
		pts:       frames.NewPTSGen(),
		onDone:    onDone,
		cancelled: make(map[string]bool),
		stop:      make(chan struct{}),
	}
}

// Start launches the outbound pump.
func (b *Bus) Start() {
	b.wg.Add(1)
	go b.pump()
}

// Stop halts the reader and the pump after draining whatever is already
// queued.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.wg.Wait()
}

// AttachSource starts the bus's single reader on a synthesis result stream.
// The stream is persistent: one adapter channel carries every synthesis of
// the call, with audio-ready controls marking the boundaries. Frames read
// while no playback is registered are dropped.
func (b *Bus) AttachSource(results <-chan frames.Frame) {
	b.wg.Add(1)
	go b.feed(results)
}

// StartPlayback registers the next synthesis as the active playback and
// returns its ID. Call it before the synthesis request so no early frame
// arrives unattributed.
func (b *Bus) StartPlayback() string {
	playbackID := uuid.NewString()
	b.mu.Lock()
	b.active = playbackID
	b.mu.Unlock()
	slog.Debug("playback_started", "stream_id", b.streamID, "playback_id", playbackID)
	return playbackID
}

// AbandonPlayback unregisters a playback whose synthesis request failed
// before producing any audio. Unlike a cancel it has no side effects and
// reports nothing.
func (b *Bus) AbandonPlayback(playbackID string) {
	b.mu.Lock()
	if b.active == playbackID {
		b.active = ""
	}
	b.mu.Unlock()
}

func (b *Bus) feed(results <-chan frames.Frame) {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case f, ok := <-results:
			if !ok {
				// Source closed mid-synthesis still ends the playback.
				if playbackID, active := b.Active(); active {
					b.finishFeed(playbackID)
				}
				return
			}
			playbackID, active := b.Active()
			if cf, isCtl := f.(frames.ControlFrame); isCtl && cf.Code() == frames.ControlAudioReady {
				if active {
					b.finishFeed(playbackID)
				}
				continue
			}
			if !active {
				// Residual frames of a flushed synthesis, or noise before
				// the first playback.
				frames.ReleaseAudioFrame(f)
				continue
			}
			b.pushLow(tagPlayback(f, b.streamID, playbackID))
		}
	}
}

// finishFeed queues the done marker behind the playback's audio on the low
// band so it pops after the last frame.
func (b *Bus) finishFeed(playbackID string) {
	done := frames.NewControlFrame(b.streamID, b.pts.Next(b.streamID), frames.ControlPlaybackDone, map[string]string{
		frames.MetaPlayback: playbackID,
	})
	b.pushLow(done)
}

// CancelPlayback stops the active playback mid-stream. Queued and in-flight
// audio for it is dropped and a flush control is sent ahead of everything so
// the transport clears its own buffer.
func (b *Bus) CancelPlayback() bool {
	b.mu.Lock()
	playbackID := b.active
	if playbackID == "" || b.cancelled[playbackID] {
		b.mu.Unlock()
		return false
	}
	b.cancelled[playbackID] = true
	b.active = ""
	b.mu.Unlock()

	flush := frames.NewControlFrame(b.streamID, b.pts.Next(b.streamID), frames.ControlFlush, map[string]string{
		frames.MetaPlayback: playbackID,
		frames.MetaReason:   "playback_cancelled",
	})
	if !b.queue.TryPushHigh(flush) {
		_ = b.sender.Send(flush)
	}
	slog.Info("playback_cancelled", "stream_id", b.streamID, "playback_id", playbackID)
	if b.onDone != nil {
		b.onDone(playbackID, false)
	}
	return true
}

// Emit implements the interruption controller's frame sink: a
// start-interruption control cancels the active playback, everything else is
// queued on the high band.
func (b *Bus) Emit(f frames.Frame) error {
	if cf, ok := f.(frames.ControlFrame); ok && cf.Code() == frames.ControlStartInterruption {
		b.CancelPlayback()
		return nil
	}
	if !b.queue.TryPushHigh(f) {
		return errorsx.Wrap(errQueueFull{}, errorsx.ReasonTransportSend)
	}
	return nil
}

// Active returns the current playback ID, if one is playing.
func (b *Bus) Active() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active, b.active != ""
}

func (b *Bus) pump() {
	defer b.wg.Done()
	for {
		f, ok := b.queue.TryPop()
		if !ok {
			select {
			case <-b.stop:
				b.drain()
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}
		b.forward(f.(frames.Frame))
	}
}

func (b *Bus) drain() {
	for {
		f, ok := b.queue.TryPop()
		if !ok {
			return
		}
		b.forward(f.(frames.Frame))
	}
}

func (b *Bus) forward(f frames.Frame) {
	playbackID := f.Meta()[frames.MetaPlayback]
	if playbackID != "" && b.isCancelled(playbackID) {
		if cf, isCtl := f.(frames.ControlFrame); isCtl && cf.Code() == frames.ControlPlaybackDone {
			// Done marker of a cancelled playback; the cancel path already
			// reported it.
			b.forget(playbackID)
			return
		}
		if f.Kind() == frames.KindAudio {
			frames.ReleaseAudioFrame(f)
			return
		}
	}
	if cf, isCtl := f.(frames.ControlFrame); isCtl && cf.Code() == frames.ControlPlaybackDone {
		b.mu.Lock()
		if b.active == playbackID {
			b.active = ""
		}
		b.mu.Unlock()
		slog.Debug("playback_done", "stream_id", b.streamID, "playback_id", playbackID)
		if b.onDone != nil {
			b.onDone(playbackID, true)
		}
		return
	}
	if err := b.sender.Send(f); err != nil {
		slog.Warn("transport_send_failed", "stream_id", b.streamID, "error", err.Error())
	}
	frames.ReleaseAudioFrame(f)
}

func (b *Bus) pushLow(f frames.Frame) {
	for !b.queue.TryPushLow(f) {
		select {
		case <-b.stop:
			return
		case <-time.After(time.Millisecond):
		}
	}
}

func (b *Bus) isCancelled(playbackID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cancelled[playbackID]
}

func (b *Bus) forget(playbackID string) {
	b.mu.Lock()
	delete(b.cancelled, playbackID)
	b.mu.Unlock()
}

func tagPlayback(f frames.Frame, streamID, playbackID string) frames.Frame {
	switch v := f.(type) {
	case frames.AudioFrame:
		meta := v.Meta()
		meta[frames.MetaPlayback] = playbackID
		return frames.NewAudioFrame(streamID, v.PTS(), v.RawPayload(), v.Rate(), v.Channels(), meta)
	case frames.ControlFrame:
		meta := v.Meta()
		meta[frames.MetaPlayback] = playbackID
		return frames.NewControlFrame(streamID, v.PTS(), v.Code(), meta)
	default:
		return f
	}
}

type errQueueFull struct{}

func (errQueueFull) Error() string { return "outbound queue full" }
