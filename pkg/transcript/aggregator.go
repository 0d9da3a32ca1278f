package transcript

import (
	"strings"
	"time"
)

// Fragment is one incremental STT result. Non-final fragments are revisions
// of the in-flight utterance: a later fragment replaces the earlier text, it
// does not append to it.
type Fragment struct {
	Text      string
	IsFinal   bool
	Timestamp time.Time
}

// Utterance is one continuous unit of caller speech bounded by silence.
type Utterance struct {
	Text  string
	Start time.Time
	End   time.Time
}

type EventKind int

const (
	// EventUtteranceStarted fires on the first fragment after a silence gap.
	// The interruption controller keys barge-in detection off this signal.
	EventUtteranceStarted EventKind = iota
	// EventUtteranceFinal fires once per utterance with the reconciled text.
	EventUtteranceFinal
)

type Event struct {
	Kind      EventKind
	At        time.Time
	Utterance Utterance
}

// Aggregator turns the unbounded fragment stream of one call into stable
// utterance boundaries. It is tied to a single session and not restartable.
type Aggregator struct {
	silenceGap time.Duration

	active  bool
	current string
	start   time.Time
	lastAt  time.Time
}

const DefaultSilenceGap = 700 * time.Millisecond

func NewAggregator(silenceGap time.Duration) *Aggregator {
	if silenceGap <= 0 {
		silenceGap = DefaultSilenceGap
	}
	return &Aggregator{silenceGap: silenceGap}
}

// Ingest consumes one fragment and returns zero or more boundary events.
func (a *Aggregator) Ingest(frag Fragment) []Event {
	var events []Event

	fresh := !a.active && (a.lastAt.IsZero() || frag.Timestamp.Sub(a.lastAt) > a.silenceGap)
	if fresh {
		a.active = true
		a.start = frag.Timestamp
		events = append(events, Event{Kind: EventUtteranceStarted, At: frag.Timestamp})
	} else if !a.active {
		// Caller kept talking across an STT final without a real silence
		// gap; treat it as a continuation of the same speech run.
		a.active = true
		a.start = frag.Timestamp
	}

	a.lastAt = frag.Timestamp
	a.current = frag.Text

	if frag.IsFinal {
		text := strings.TrimSpace(a.current)
		a.active = false
		a.current = ""
		if text != "" {
			events = append(events, Event{
				Kind: EventUtteranceFinal,
				At:   frag.Timestamp,
				Utterance: Utterance{
					Text:  text,
					Start: a.start,
					End:   frag.Timestamp,
				},
			})
		}
	}
	return events
}

// Pending returns the current unconfirmed utterance text, if any.
func (a *Aggregator) Pending() (string, bool) {
	if !a.active {
		return "", false
	}
	return a.current, true
}

// SpeechDuration reports how long the in-flight utterance has been running
// as of the given instant. Zero when no utterance is active.
func (a *Aggregator) SpeechDuration(now time.Time) time.Duration {
	if !a.active {
		return 0
	}
	d := now.Sub(a.start)
	if d < 0 {
		return 0
	}
	return d
}
