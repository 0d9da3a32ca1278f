package metrics

import (
	"log/slog"
	"time"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

// Well-known event names emitted by the engine.
const (
	EventTurnFinal     = "turn_final"
	EventBargeIn       = "barge_in"
	EventFieldCommit   = "field_commit"
	EventFieldUnknown  = "field_unknown"
	EventReportSealed  = "report_sealed"
	EventReportSent    = "report_sent"
	EventRateLimit     = "rate_limit"
	EventBreakerOpen   = "breaker_open"
	EventBreakerClose  = "breaker_close"
	EventBreakerDenied = "breaker_denied"
)

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// SlogObserver writes events to the default structured logger. Pair it with
// AsyncObserver so call loops never block on a log sink.
type SlogObserver struct{}

func (SlogObserver) RecordEvent(ev MetricsEvent) {
	attrs := make([]any, 0, 4+2*len(ev.Tags))
	attrs = append(attrs, "event", ev.Name, "value", ev.Value)
	for k, v := range ev.Tags {
		attrs = append(attrs, k, v)
	}
	slog.Debug("metrics_event", attrs...)
}
