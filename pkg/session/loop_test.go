package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reliefops/triagecall/pkg/frames"
	"github.com/reliefops/triagecall/pkg/llm"
	"github.com/reliefops/triagecall/pkg/metrics"
	"github.com/reliefops/triagecall/pkg/providers/mock"
	"github.com/reliefops/triagecall/pkg/report"
	"github.com/reliefops/triagecall/pkg/transcript"
)

type nopSender struct{}

func (nopSender) Send(frames.Frame) error { return nil }

type captureDeliverer struct {
	mu          sync.Mutex
	calls       int
	criticality string
	transcript  string
	doc         *report.Document
}

func (c *captureDeliverer) Deliver(_ context.Context, doc *report.Document, criticality, transcript string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.doc = doc
	c.criticality = criticality
	c.transcript = transcript
	return nil
}

func (c *captureDeliverer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	stt  *mock.STT
	tts  *mock.TTS
	llm  *mock.LLM
	del  *captureDeliverer
	obs  *metrics.MemoryObserver
	sess *Session
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		stt: mock.NewSTT("s"),
		tts: mock.NewTTS("s"),
		llm: mock.NewLLM(),
		del: &captureDeliverer{},
		obs: metrics.NewMemoryObserver(),
	}
	f.sess = NewSession("call-1", Deps{
		STT:       f.stt,
		TTS:       f.tts,
		LLM:       f.llm,
		Sender:    nopSender{},
		Deliverer: f.del,
		Observer:  f.obs,
	}, DefaultOptions())
	return f
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// answer waits until the agent has spoken the given number of utterances
// (greeting counts as the first), then pushes one final caller fragment. The
// question being answered must already be out, or the turn lands during the
// greeting and is treated as backchannel.
func (f *fixture) answer(t *testing.T, prompts int, text string) {
	t.Helper()
	waitFor(t, "agent prompt before "+text, func() bool { return len(f.tts.Spoken()) >= prompts })
	f.stt.Push(text, true)
}

func TestCleanRunSealsCompleteReport(t *testing.T) {
	f := newFixture(t)
	f.sess.Start(context.Background())

	f.answer(t, 2, "we are on the river bridge") // location question is prompt 2
	f.answer(t, 3, "flood")
	f.answer(t, 4, "no")
	f.answer(t, 5, "3")
	f.answer(t, 6, "0")
	f.answer(t, 7, "Dana")

	waitFor(t, "session end", func() bool {
		select {
		case <-f.sess.Done():
			return true
		default:
			return false
		}
	})

	doc := f.sess.Report()
	if !doc.Sealed() {
		t.Fatalf("report must be sealed at termination")
	}
	for _, fl := range doc.Fields() {
		if fl.Status != report.StatusFilled {
			t.Fatalf("field %s not filled: %s", fl.Spec.ID, fl.Status)
		}
	}
	if v := doc.Values()["incident_type"]; v != "flood" {
		t.Fatalf("incident_type %q", v)
	}
	if f.del.count() != 1 {
		t.Fatalf("report must be delivered exactly once, got %d", f.del.count())
	}
	if f.del.criticality != "low" {
		t.Fatalf("criticality %q", f.del.criticality)
	}
	if !strings.Contains(f.del.transcript, "river bridge") {
		t.Fatalf("transcript missing caller speech:\n%s", f.del.transcript)
	}
	if f.obs.CountByName(metrics.EventReportSealed) != 1 {
		t.Fatalf("expected one seal event")
	}
}

func TestHangUpSealsImmediatelyWithUnknowns(t *testing.T) {
	f := newFixture(t)
	f.sess.Start(context.Background())

	f.answer(t, 2, "corner of 5th and oak")
	// The next question going out means the location commit landed; the
	// caller hangs up mid-question.
	waitFor(t, "next question", func() bool { return len(f.tts.Spoken()) >= 3 })
	f.sess.Disconnect()

	waitFor(t, "session end", func() bool {
		select {
		case <-f.sess.Done():
			return true
		default:
			return false
		}
	})

	doc := f.sess.Report()
	if !doc.Sealed() {
		t.Fatalf("hang-up must seal the report")
	}
	for _, fl := range doc.Fields() {
		if fl.Status == report.StatusUnfilled {
			t.Fatalf("field %s left unfilled after hang-up", fl.Spec.ID)
		}
	}
	if doc.Field("location").Status != report.StatusFilled {
		t.Fatalf("collected answer lost on hang-up")
	}
	for _, said := range f.tts.Spoken() {
		if said == fallbackClosing {
			t.Fatalf("no closing message on abrupt hang-up")
		}
	}
	if f.del.count() != 1 {
		t.Fatalf("delivered %d times", f.del.count())
	}
}

func TestRepeatedUnparseableAnswersMarkFieldUnknown(t *testing.T) {
	f := newFixture(t)
	f.llm.ExtractFn = func(req llm.ExtractRequest) (llm.Extraction, error) {
		if req.FieldID == "location" {
			return llm.Extraction{}, nil
		}
		return llm.Extraction{Value: req.TurnText, Confidence: 0.95, Found: true}, nil
	}
	f.sess.Start(context.Background())

	f.answer(t, 2, "uh it's near the thing") // asking
	f.answer(t, 3, "you know the place")     // clarifying, retry 1
	f.answer(t, 4, "the thing by the stuff") // clarifying, retry 2 -> exhausted

	// Prompt 5 is the next field's question, which means location gave up.
	waitFor(t, "next field question", func() bool { return len(f.tts.Spoken()) >= 5 })
	if f.obs.CountByName(metrics.EventFieldUnknown) != 1 {
		t.Fatalf("expected one field_unknown event")
	}
	f.sess.Disconnect()
	<-f.sess.Done()

	if f.sess.Report().Field("location").Status != report.StatusUnknown {
		t.Fatalf("location should be explicitly unknown after exhausted retries")
	}
}

func TestOutOfRangeNumericRejectedBeforeCommit(t *testing.T) {
	f := newFixture(t)
	f.sess.Start(context.Background())

	f.answer(t, 2, "main square")
	f.answer(t, 3, "fire")
	f.answer(t, 4, "no")
	f.answer(t, 5, "999999999") // out of range for people_affected
	// Prompt 6 is the clarification for the rejected value.
	waitFor(t, "clarification", func() bool { return len(f.tts.Spoken()) >= 6 })
	f.answer(t, 6, "40")
	waitFor(t, "next question", func() bool { return len(f.tts.Spoken()) >= 7 })
	f.sess.Disconnect()
	<-f.sess.Done()

	fl := f.sess.Report().Field("people_affected")
	if fl.Status != report.StatusFilled || fl.Value != "40" {
		t.Fatalf("expected in-range retry to commit, got %+v", fl)
	}
}

func TestBargeInDuringGreetingStillCollectsAnswer(t *testing.T) {
	f := newFixture(t)
	f.tts.HoldSynthesis()
	f.sess.Start(context.Background())

	// Greeting is in flight; the caller starts answering over it.
	waitFor(t, "greeting", func() bool { return len(f.tts.Spoken()) >= 1 })
	f.stt.Push("we are", false)
	// Sustained speech crosses the barge-in threshold and stops playback.
	waitFor(t, "barge-in flush", func() bool { return f.tts.Flushes() >= 1 })
	f.stt.Push("we are on the river bridge", true)

	// The answer over the greeting must land as the location and the next
	// question must go out; a stalled call would never speak again.
	waitFor(t, "next question", func() bool { return len(f.tts.Spoken()) >= 2 })
	f.sess.Disconnect()
	<-f.sess.Done()

	fl := f.sess.Report().Field("location")
	if fl.Status != report.StatusFilled || fl.Value != "we are on the river bridge" {
		t.Fatalf("barged-in answer lost: %+v", fl)
	}
	if f.obs.CountByName(metrics.EventBargeIn) != 1 {
		t.Fatalf("expected one barge-in event")
	}
}

// The caller's answer can finalize before the cancelled greeting's completion
// event is processed. The turn is held and replayed as the first answer.
func TestAnswerFinalizedBeforeGreetingEventIsReplayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	purposes := map[string]purpose{"g1": purposeGreeting}
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)

	u := transcript.Utterance{Text: "we are on the river bridge", Start: time.Now(), End: time.Now()}
	f.sess.handleCallerTurn(ctx, u, purposes, timer)
	if f.sess.pending == nil {
		t.Fatalf("turn during greeting must be held")
	}
	if got := f.sess.Report().Field("location").Status; got != report.StatusUnfilled {
		t.Fatalf("turn must wait for the greeting event, got %s", got)
	}

	if stop := f.sess.onPlaybackEvent(ctx, event{kind: evPlaybackDone, playbackID: "g1", completed: false}, purposes, timer); stop {
		t.Fatalf("session must continue after the replayed answer")
	}
	fl := f.sess.Report().Field("location")
	if fl.Status != report.StatusFilled || fl.Value != "we are on the river bridge" {
		t.Fatalf("held answer not committed: %+v", fl)
	}
	if f.sess.pending != nil {
		t.Fatalf("held turn must be consumed")
	}
	if len(f.tts.Spoken()) != 1 {
		t.Fatalf("next question must go out, spoke %v", f.tts.Spoken())
	}
}

// Speech that finalizes while the greeting plays through to completion is
// backchannel, not an answer.
func TestCompletedGreetingDropsBackchannelTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	purposes := map[string]purpose{"g1": purposeGreeting}
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)

	u := transcript.Utterance{Text: "okay", Start: time.Now(), End: time.Now()}
	f.sess.handleCallerTurn(ctx, u, purposes, timer)
	f.sess.onPlaybackEvent(ctx, event{kind: evPlaybackDone, playbackID: "g1", completed: true}, purposes, timer)

	if got := f.sess.Report().Field("location").Status; got != report.StatusUnfilled {
		t.Fatalf("backchannel must not fill a field, got %s", got)
	}
	if f.sess.pending != nil {
		t.Fatalf("held backchannel must be discarded")
	}
	if len(f.tts.Spoken()) != 1 {
		t.Fatalf("first question must go out, spoke %v", f.tts.Spoken())
	}
}

// An interrupted greeting with the answer still in flight arms the answer
// timer, so silence after the barge-in cannot stall the call.
func TestInterruptedGreetingArmsAnswerTimer(t *testing.T) {
	opts := DefaultOptions()
	opts.AnswerTimeout = 50 * time.Millisecond
	sess := NewSession("call-t", Deps{
		STT:    mock.NewSTT("s"),
		TTS:    mock.NewTTS("s"),
		LLM:    mock.NewLLM(),
		Sender: nopSender{},
	}, opts)
	purposes := map[string]purpose{"g1": purposeGreeting}
	timer := time.NewTimer(time.Hour)
	stopTimer(timer)

	sess.onPlaybackEvent(context.Background(), event{kind: evPlaybackDone, playbackID: "g1", completed: false}, purposes, timer)
	select {
	case <-timer.C:
	case <-time.After(time.Second):
		t.Fatalf("answer timer must be armed after an interrupted greeting")
	}
}

func TestSynthesisOutageClosesWithApology(t *testing.T) {
	f := newFixture(t)
	f.sess.Start(context.Background())

	f.answer(t, 2, "harbor warehouse")
	waitFor(t, "incident type question", func() bool { return len(f.tts.Spoken()) >= 3 })
	f.tts.FailNext(2) // the attempt and its retry
	f.stt.Push("fire", true)

	waitFor(t, "session end", func() bool {
		select {
		case <-f.sess.Done():
			return true
		default:
			return false
		}
	})
	spoken := f.tts.Spoken()
	if len(spoken) == 0 || spoken[len(spoken)-1] != fallbackApology {
		t.Fatalf("expected apology, got %v", spoken)
	}
	if !f.sess.Report().Sealed() {
		t.Fatalf("report must still seal")
	}
	if f.del.count() != 1 {
		t.Fatalf("delivered %d times", f.del.count())
	}
}
