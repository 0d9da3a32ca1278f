package metrics

import (
	"sync"
	"sync/atomic"
)

// AsyncObserver decouples the per-call event loops from whatever sink sits
// behind it. Recording never blocks: when the buffer is full the event is
// dropped and counted, because a stalled call is worse than a lost metric.
type AsyncObserver struct {
	inner   Observer
	ch      chan MetricsEvent
	dropped atomic.Int64
	closed  atomic.Bool
	once    sync.Once
	drained chan struct{}
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner:   inner,
		ch:      make(chan MetricsEvent, buffer),
		drained: make(chan struct{}),
	}
	go a.pump()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil || a.closed.Load() {
		return
	}
	select {
	case a.ch <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Dropped reports how many events were shed under backpressure.
func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for the buffer to flush.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.once.Do(func() {
		a.closed.Store(true)
		close(a.ch)
		<-a.drained
	})
}

func (a *AsyncObserver) pump() {
	for ev := range a.ch {
		a.inner.RecordEvent(ev)
	}
	close(a.drained)
}
