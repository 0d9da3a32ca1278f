package priority

import (
	"sync/atomic"
	"time"
)

type Stats struct {
	HighPush int64
	LowPush  int64
	HighPop  int64
	LowPop   int64
}

// PriorityQueue is a two-band queue: control traffic rides the high band so a
// cancel can overtake queued audio. After fairness consecutive high-band pops
// the low band gets one turn, so a control storm cannot starve audio forever.
// Pop and TryPop assume a single consumer goroutine.
type PriorityQueue struct {
	high       chan any
	low        chan any
	fairness   int
	highStreak int
	highPush   int64
	lowPush    int64
	highPop    int64
	lowPop     int64
}

func New(highCap, lowCap, fairness int) *PriorityQueue {
	if fairness <= 0 {
		fairness = 3
	}
	return &PriorityQueue{
		high:     make(chan any, highCap),
		low:      make(chan any, lowCap),
		fairness: fairness,
	}
}

func (q *PriorityQueue) TryPushHigh(f any) bool {
	select {
	case q.high <- f:
		atomic.AddInt64(&q.highPush, 1)
		return true
	default:
		return false
	}
}

func (q *PriorityQueue) TryPushLow(f any) bool {
	select {
	case q.low <- f:
		atomic.AddInt64(&q.lowPush, 1)
		return true
	default:
		return false
	}
}

// Pop blocks until an item is available.
func (q *PriorityQueue) Pop() (any, bool) {
	for {
		if f, ok := q.TryPop(); ok {
			return f, true
		}
		time.Sleep(time.Millisecond)
	}
}

// TryPop is the non-blocking variant used by drain paths.
func (q *PriorityQueue) TryPop() (any, bool) {
	if q.highStreak < q.fairness {
		select {
		case f := <-q.high:
			q.highStreak++
			atomic.AddInt64(&q.highPop, 1)
			return f, true
		default:
		}
	}
	select {
	case f := <-q.low:
		q.highStreak = 0
		atomic.AddInt64(&q.lowPop, 1)
		return f, true
	default:
	}
	// Low band empty; let the high band through even past its streak.
	select {
	case f := <-q.high:
		atomic.AddInt64(&q.highPop, 1)
		return f, true
	default:
	}
	return nil, false
}

func (q *PriorityQueue) Stats() Stats {
	return Stats{
		HighPush: atomic.LoadInt64(&q.highPush),
		LowPush:  atomic.LoadInt64(&q.lowPush),
		HighPop:  atomic.LoadInt64(&q.highPop),
		LowPop:   atomic.LoadInt64(&q.lowPop),
	}
}
