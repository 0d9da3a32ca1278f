package errorsx

import "errors"

// ReasonedError pairs a failure with a stable machine-readable code so
// callers can branch on the failure class without matching message text.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap attaches a reason code to err. The first code wins: wrapping an
// already-reasoned error keeps the original code, since the innermost
// layer knows best what actually failed.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason reports the code carried by err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if err != nil && errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries the given code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
