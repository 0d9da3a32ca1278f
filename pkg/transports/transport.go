package transports

import (
	"context"

	"github.com/reliefops/triagecall/pkg/frames"
)

// Transport is the vendor-agnostic boundary to the telephony side of a call.
// Implementations own their network lifecycle. Inbound caller audio and call
// lifecycle events arrive on Recv; synthesized agent audio goes out via Send.
type Transport interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Recv() <-chan frames.Frame
	Send(frames.Frame) error
}

// EscalationDialer places an outbound call to a human dispatcher when a
// sealed report warrants immediate human attention.
type EscalationDialer interface {
	Dial(ctx context.Context, to, from, url string) (callSID string, err error)
}

// ReadyReporter lets transports expose readiness metadata (webhook URLs and
// the like) for informational logging.
type ReadyReporter interface {
	ReadyFields() map[string]any
}
