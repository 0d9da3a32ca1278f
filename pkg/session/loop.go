package session

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/reliefops/triagecall/pkg/dialogue"
	"github.com/reliefops/triagecall/pkg/frames"
	"github.com/reliefops/triagecall/pkg/llm"
	"github.com/reliefops/triagecall/pkg/metrics"
	"github.com/reliefops/triagecall/pkg/redact"
	"github.com/reliefops/triagecall/pkg/report"
	"github.com/reliefops/triagecall/pkg/resilience"
	"github.com/reliefops/triagecall/pkg/transcript"
)

type eventKind int

const (
	evDisconnect eventKind = iota
	evPlaybackDone
)

type event struct {
	kind       eventKind
	playbackID string
	completed  bool
}

// playback purposes, used to route completion back into the dialogue machine.
type purpose int

const (
	purposeGreeting purpose = iota
	purposeQuestion
	purposeClosing
)

const (
	fallbackGreeting = "This is the emergency triage line. I will ask a few quick questions so responders can reach you. What is your location?"
	fallbackClarify  = "Sorry, I didn't catch that. "
	fallbackClosing  = "Thank you. Your report has been recorded and responders have been notified. Stay safe."
	fallbackApology  = "I'm sorry, we're having technical difficulties. Your report so far has been recorded."
)

const speechTick = 50 * time.Millisecond

// heldTurn is a caller utterance that finalized while the machine was still
// in the greeting, parked until the greeting's completion event lands.
type heldTurn struct {
	id   string
	text string
}

// run is the session's only decision-making goroutine. Every input lands
// here: STT results, playback completions, timers, disconnects.
func (s *Session) run(ctx context.Context) {
	log := slog.With("stream_id", s.streamID, "call_id", s.id)
	log.Info("session_started")

	if err := s.deps.STT.Start(ctx); err != nil {
		log.Error("stt_start_failed", "error", err.Error())
		s.terminate(ctx)
		return
	}
	if err := s.deps.TTS.Start(ctx); err != nil {
		log.Error("tts_start_failed", "error", err.Error())
		s.terminate(ctx)
		return
	}
	s.bus.AttachSource(s.deps.TTS.Results())
	s.bus.Start()

	purposes := make(map[string]purpose)
	answerTimer := time.NewTimer(time.Hour)
	stopTimer(answerTimer)
	ceiling := time.NewTimer(s.opts.Thresholds.CallCeiling)
	defer ceiling.Stop()
	ticker := time.NewTicker(speechTick)
	defer ticker.Stop()

	s.speak(ctx, s.promptFor(ctx, s.machine.State()), purposeGreeting, purposes)

	for {
		select {
		case <-ctx.Done():
			s.machine.OnDisconnect()
			s.terminate(ctx)
			return

		case ev := <-s.events:
			switch ev.kind {
			case evDisconnect:
				s.machine.OnDisconnect()
				s.terminate(ctx)
				return
			case evPlaybackDone:
				if s.onPlaybackEvent(ctx, ev, purposes, answerTimer) {
					s.terminate(ctx)
					return
				}
			}

		case f, ok := <-s.deps.STT.Results():
			if !ok {
				s.machine.OnDisconnect()
				s.terminate(ctx)
				return
			}
			tf, isText := f.(frames.TextFrame)
			if !isText {
				continue
			}
			isFinal := tf.Meta()[frames.MetaIsFinal] == "true"
			for _, tev := range s.agg.Ingest(transcript.Fragment{Text: tf.Text(), IsFinal: isFinal, Timestamp: time.Now()}) {
				switch tev.Kind {
				case transcript.EventUtteranceStarted:
					s.interrupts.OnUtteranceStarted(tev.At)
					stopTimer(answerTimer)
				case transcript.EventUtteranceFinal:
					s.handleCallerTurn(ctx, tev.Utterance, purposes, answerTimer)
					if s.machine.Terminated() {
						s.terminate(ctx)
						return
					}
				}
			}

		case <-ticker.C:
			if s.interrupts.Speaking() {
				if s.interrupts.OnSpeechProgress(s.agg.SpeechDuration(time.Now())) {
					s.deps.TTS.Flush()
				}
			}

		case <-answerTimer.C:
			turnID := uuid.NewString()
			st := s.machine.OnSilenceTimeout(turnID)
			s.reactToState(ctx, st, purposes)

		case <-ceiling.C:
			slog.Info("call_ceiling_reached", "stream_id", s.streamID)
			st := s.machine.OnCeiling()
			s.reactToState(ctx, st, purposes)
		}
	}
}

// onPlaybackEvent routes a playback completion into the dialogue machine.
// Returns true when the session should terminate.
func (s *Session) onPlaybackEvent(ctx context.Context, ev event, purposes map[string]purpose, answerTimer *time.Timer) bool {
	s.interrupts.OnAgentSpeechEnd()
	defer delete(purposes, ev.playbackID)

	switch purposes[ev.playbackID] {
	case purposeGreeting:
		held := s.pending
		s.pending = nil
		st := s.machine.OnGreetingDone()
		if st.Phase == dialogue.PhaseClosing {
			// Degenerate report with zero fields.
			s.speak(ctx, s.promptFor(ctx, st), purposeClosing, purposes)
			return false
		}
		switch {
		case ev.completed:
			// Speech that finalized while the greeting played through was
			// backchannel, not an answer.
			s.speak(ctx, s.promptFor(ctx, st), purposeQuestion, purposes)
		case held != nil:
			// The caller barged in and their answer finalized before this
			// event; replay it as the first answer.
			s.advanceTurn(ctx, held.id, held.text, purposes)
			return s.machine.Terminated()
		default:
			// Barge-in with the answer still in flight. Arm the timer so
			// the call cannot stall if the utterance never finalizes.
			resetTimer(answerTimer, s.opts.AnswerTimeout)
		}
	case purposeQuestion:
		if ev.completed {
			resetTimer(answerTimer, s.opts.AnswerTimeout)
		}
	case purposeClosing:
		s.machine.OnClosingDone()
		return true
	}
	return false
}

// handleCallerTurn records a finished caller utterance and feeds it to the
// dialogue machine. A turn that lands while the machine is still in the
// greeting is held back: the greeting's completion event decides whether it
// was backchannel or the first answer.
func (s *Session) handleCallerTurn(ctx context.Context, u transcript.Utterance, purposes map[string]purpose, answerTimer *time.Timer) {
	turnID := uuid.NewString()
	s.appendTurn(Turn{ID: turnID, Speaker: SpeakerCaller, Start: u.Start, End: u.End, Text: u.Text, Final: true})
	slog.Debug("caller_turn", "stream_id", s.streamID, "turn_id", turnID, "text", redact.Text(u.Text))
	s.record(metrics.EventTurnFinal, map[string]string{frames.MetaSpeaker: string(SpeakerCaller)})
	stopTimer(answerTimer)

	if s.machine.State().Phase == dialogue.PhaseGreeting {
		s.pending = &heldTurn{id: turnID, text: u.Text}
		return
	}
	s.advanceTurn(ctx, turnID, u.Text, purposes)
}

// advanceTurn runs extraction for a caller turn and reacts to the resulting
// state.
func (s *Session) advanceTurn(ctx context.Context, turnID, text string, purposes map[string]purpose) {
	st := s.machine.State()
	switch st.Phase {
	case dialogue.PhaseConfirming:
		affirmed, ok := s.extractAffirmation(ctx, text)
		if !ok {
			st = s.machine.OnUnclear(turnID)
		} else {
			st = s.machine.OnConfirm(turnID, affirmed)
		}
	case dialogue.PhaseAsking, dialogue.PhaseClarifying:
		spec := s.fieldSpec(st.FieldID)
		ext, err := s.extractField(ctx, spec, text)
		if err != nil {
			// Collaborator failed even after retry: the turn counts as
			// unparseable rather than stalling the call.
			slog.Warn("extraction_failed", "stream_id", s.streamID, "field_id", spec.ID, "error", err.Error())
			st = s.machine.OnAnswer(turnID, llm.Extraction{}, false, "")
		} else {
			value, verr := report.ValidateCandidate(spec, ext.Value)
			st = s.machine.OnAnswer(turnID, ext, ext.Found && verr == nil, value)
		}
	default:
		// Speech outside a question window (closing playback) stays in the
		// history but drives no transition.
		return
	}
	s.reactToState(ctx, st, purposes)
}

// reactToState speaks whatever the new dialogue state requires.
func (s *Session) reactToState(ctx context.Context, st dialogue.State, purposes map[string]purpose) {
	switch st.Phase {
	case dialogue.PhaseAsking, dialogue.PhaseClarifying, dialogue.PhaseConfirming:
		s.speak(ctx, s.promptFor(ctx, st), purposeQuestion, purposes)
	case dialogue.PhaseClosing:
		s.speak(ctx, s.promptFor(ctx, st), purposeClosing, purposes)
	}
}

// speak synthesizes one agent utterance and starts its playback. The
// playback is registered before the synthesis request so no early frame
// arrives unattributed. A TTS failure after retry degrades the call instead
// of killing it.
func (s *Session) speak(ctx context.Context, text string, p purpose, purposes map[string]purpose) {
	playbackID := s.bus.StartPlayback()
	retry := resilience.NewRetryPolicy(1, 100*time.Millisecond)
	err := retry.Do(func() error { return s.deps.TTS.SendText(text) })
	if err != nil {
		s.bus.AbandonPlayback(playbackID)
		slog.Error("tts_send_failed", "stream_id", s.streamID, "error", err.Error())
		if p == purposeClosing {
			// Cannot even apologize; seal what we have.
			s.machine.OnDisconnect()
			s.enqueue(event{kind: evDisconnect})
			return
		}
		s.machine.OnCollaboratorDown()
		s.speak(ctx, fallbackApology, purposeClosing, purposes)
		return
	}

	purposes[playbackID] = p
	s.interrupts.OnAgentSpeechStart()
	s.appendTurn(Turn{ID: uuid.NewString(), Speaker: SpeakerAgent, Start: time.Now(), End: time.Now(), Text: text, Final: true})
}

// promptFor phrases the agent utterance for a dialogue state. Generation
// failures fall back to fixed phrasing so the call always moves.
func (s *Session) promptFor(ctx context.Context, st dialogue.State) string {
	req := llm.PromptRequest{
		State:     st.Phase.String(),
		FieldID:   st.FieldID,
		Retry:     st.Retry,
		Candidate: st.Candidate,
		Known:     s.builder.Document().Values(),
	}
	if st.FieldID != "" {
		req.Question = s.fieldSpec(st.FieldID).Question
	}

	var text string
	retry := resilience.NewRetryPolicy(1, 100*time.Millisecond)
	err := retry.Do(func() error {
		cctx, cancel := context.WithTimeout(ctx, s.opts.LLMTimeout)
		defer cancel()
		var gerr error
		text, gerr = s.deps.LLM.GeneratePrompt(cctx, req)
		return gerr
	})
	if err == nil && text != "" {
		return text
	}
	slog.Warn("prompt_generation_failed", "stream_id", s.streamID, "state", st.Phase.String())
	return s.fallbackPrompt(st)
}

func (s *Session) fallbackPrompt(st dialogue.State) string {
	switch st.Phase {
	case dialogue.PhaseGreeting:
		return fallbackGreeting
	case dialogue.PhaseAsking:
		return s.fieldSpec(st.FieldID).Question
	case dialogue.PhaseClarifying:
		return fallbackClarify + s.fieldSpec(st.FieldID).Question
	case dialogue.PhaseConfirming:
		return "I heard " + st.Candidate + ". Is that correct?"
	default:
		return fallbackClosing
	}
}

// extractField asks the model for a typed value from the turn, retrying once
// with a hard per-attempt timeout.
func (s *Session) extractField(ctx context.Context, spec report.FieldSpec, text string) (llm.Extraction, error) {
	req := llm.ExtractRequest{
		FieldID:  spec.ID,
		Kind:     spec.Kind,
		Allowed:  spec.Allowed,
		Min:      spec.Min,
		Max:      spec.Max,
		TurnText: text,
		Known:    s.builder.Document().Values(),
	}
	var ext llm.Extraction
	retry := resilience.NewRetryPolicy(1, 100*time.Millisecond)
	err := retry.Do(func() error {
		cctx, cancel := context.WithTimeout(ctx, s.opts.LLMTimeout)
		defer cancel()
		var xerr error
		ext, xerr = s.deps.LLM.ExtractField(cctx, req)
		return xerr
	})
	return ext, err
}

// extractAffirmation reads a yes/no out of a confirmation reply.
func (s *Session) extractAffirmation(ctx context.Context, text string) (affirmed, ok bool) {
	ext, err := s.extractField(ctx, report.FieldSpec{ID: "confirmation", Kind: llm.KindBool, Question: "yes or no"}, text)
	if err != nil || !ext.Found || ext.Confidence < s.opts.Thresholds.Confirm {
		return false, false
	}
	v, perr := strconv.ParseBool(ext.Value)
	if perr != nil {
		return false, false
	}
	return v, true
}

func (s *Session) fieldSpec(id string) report.FieldSpec {
	if f := s.builder.Document().Field(id); f != nil {
		return f.Spec
	}
	return report.FieldSpec{ID: id, Kind: llm.KindFreeText}
}

// terminate seals and delivers the report exactly once, then tears the
// session down. Safe to call from any terminal path.
func (s *Session) terminate(ctx context.Context) {
	s.mu.Lock()
	if s.delivered {
		s.mu.Unlock()
		return
	}
	s.delivered = true
	s.mu.Unlock()

	s.builder.Seal()
	s.record(metrics.EventReportSealed, nil)
	slog.Info("report_sealed", "stream_id", s.streamID, "call_id", s.id, "criticality", s.builder.Criticality())

	if s.deps.Deliverer != nil {
		dctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.deps.Deliverer.Deliver(dctx, s.builder.Document(), s.builder.Criticality(), s.Transcript()); err != nil {
			slog.Error("report_delivery_failed", "stream_id", s.streamID, "error", err.Error())
		} else {
			s.record(metrics.EventReportSent, nil)
		}
	}

	s.bus.Stop()
	_ = s.deps.STT.Close()
	_ = s.deps.TTS.Close()
	close(s.done)
	slog.Info("session_finished", "stream_id", s.streamID, "call_id", s.id)
}

func (s *Session) record(name string, tags map[string]string) {
	if s.deps.Observer == nil {
		return
	}
	if tags == nil {
		tags = map[string]string{}
	}
	tags[frames.MetaStreamID] = s.streamID
	s.deps.Observer.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: tags})
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
