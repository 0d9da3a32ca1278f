package frames

import (
	"sync"
	"time"
)

// Kind discriminates what travels through the engine: caller/agent audio,
// transcription text, playback control, and call lifecycle events.
type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

type ControlCode string

const (
	ControlCancel            ControlCode = "cancel"
	ControlFlush             ControlCode = "flush"
	ControlStartInterruption ControlCode = "start_interruption"
	ControlAudioReady        ControlCode = "audio_ready"
	ControlPlaybackDone      ControlCode = "playback_done"
)

// System frame names used across the engine.
const (
	SystemCallConnected    = "call_connected"
	SystemCallDisconnected = "call_disconnected"
)

// Frame is the unit of traffic between transport, session, and adapters.
// Frames are immutable once constructed; Meta returns a copy so a consumer
// can annotate without racing another.
type Frame interface {
	Kind() Kind
	PTS() int64
	Meta() map[string]string
}

type AudioFrame struct {
	pts    int64
	data   []byte
	rate   int
	ch     int
	meta   map[string]string
	pooled bool
}

func NewAudioFrame(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{pts: pts, data: data, rate: rate, ch: ch, meta: stampStream(streamID, meta)}
}

// NewAudioFrameFromPool copies data into a pooled buffer. The consumer that
// finishes with the frame must hand it back through ReleaseAudioFrame.
func NewAudioFrameFromPool(streamID string, pts int64, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	buf := AcquireAudioBuf(len(data))
	copy(buf, data)
	return AudioFrame{pts: pts, data: buf, rate: rate, ch: ch, meta: stampStream(streamID, meta), pooled: true}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) PTS() int64              { return a.pts }
func (a AudioFrame) Meta() map[string]string { return copyMeta(a.meta) }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

// Data returns a private copy of the payload.
func (a AudioFrame) Data() []byte { return append([]byte(nil), a.data...) }

// RawPayload exposes the backing buffer without a copy. Callers must not
// hold it past ReleaseAudioFrame for pooled frames.
func (a AudioFrame) RawPayload() []byte { return a.data }

// ReleaseAudioFrame returns a pooled frame's buffer; it reports false for
// frames that were never pooled.
func ReleaseAudioFrame(f Frame) bool {
	af, ok := f.(AudioFrame)
	if !ok {
		ap, ok := f.(*AudioFrame)
		if !ok {
			return false
		}
		af = *ap
	}
	if !af.pooled {
		return false
	}
	ReleaseAudioBuf(af.data)
	return true
}

type TextFrame struct {
	pts  int64
	text string
	meta map[string]string
}

func NewTextFrame(streamID string, pts int64, text string, meta map[string]string) TextFrame {
	return TextFrame{pts: pts, text: text, meta: stampStream(streamID, meta)}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) PTS() int64              { return t.pts }
func (t TextFrame) Meta() map[string]string { return copyMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

type ControlFrame struct {
	pts  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, pts int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{pts: pts, code: code, meta: stampStream(streamID, meta)}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) PTS() int64              { return c.pts }
func (c ControlFrame) Meta() map[string]string { return copyMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	pts  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, pts int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{pts: pts, name: name, meta: stampStream(streamID, meta)}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) PTS() int64              { return s.pts }
func (s SystemFrame) Meta() map[string]string { return copyMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

// PTSGen hands out monotonically increasing per-stream timestamps for
// synthesized frames, which carry no wall-clock PTS of their own.
type PTSGen struct {
	mu   sync.Mutex
	last map[string]int64
}

func NewPTSGen() *PTSGen {
	return &PTSGen{last: make(map[string]int64)}
}

func (g *PTSGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.last[streamID] + time.Millisecond.Nanoseconds()
	g.last[streamID] = next
	return next
}

var audioBufPool = sync.Pool{
	New: func() any { return make([]byte, 0, 4096) },
}

func AcquireAudioBuf(size int) []byte {
	b := audioBufPool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	return b[:size]
}

func ReleaseAudioBuf(b []byte) {
	audioBufPool.Put(b[:0])
}

func stampStream(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func copyMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
