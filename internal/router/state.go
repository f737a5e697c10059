package router

import (
	"errors"
	"strings"

	"github.com/book-expert/tutor-tts-service/internal/core"
)

// State is a step of the per-utterance routing state machine.
type State int

const (
	StateIdle State = iota
	StateRouting
	StatePremiumAttempt
	StatePremiumSuccess
	StatePremiumDenied
	StatePremiumFailed
	StateFallbackAttempt
	StateFallbackSuccess
	StateFallbackFailed
	StateDone
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateRouting:         "routing",
	StatePremiumAttempt:  "premium_attempt",
	StatePremiumSuccess:  "premium_success",
	StatePremiumDenied:   "premium_denied",
	StatePremiumFailed:   "premium_failed",
	StateFallbackAttempt: "fallback_attempt",
	StateFallbackSuccess: "fallback_success",
	StateFallbackFailed:  "fallback_failed",
	StateDone:            "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}

	return stateNames[s]
}

// RouteError is the only error shape that leaves the router. Reason is
// ReasonBothFailed or ReasonCancelled.
type RouteError struct {
	Reason   core.Reason
	Premium  error
	Fallback error
}

func (e *RouteError) Error() string {
	var builder strings.Builder

	builder.WriteString("speech routing failed: ")
	builder.WriteString(e.Reason.String())

	if e.Premium != nil {
		builder.WriteString("; premium: ")
		builder.WriteString(e.Premium.Error())
	}

	if e.Fallback != nil {
		builder.WriteString("; fallback: ")
		builder.WriteString(e.Fallback.Error())
	}

	return builder.String()
}

// Unwrap exposes core.ErrBothFailed for both-failed errors and the
// underlying causes.
func (e *RouteError) Unwrap() []error {
	errs := make([]error, 0, 3)

	if e.Reason == core.ReasonBothFailed {
		errs = append(errs, core.ErrBothFailed)
	}

	for _, err := range []error{e.Premium, e.Fallback} {
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errs
}

// IsCancelled reports whether err is a routing cancellation.
func IsCancelled(err error) bool {
	var routeErr *RouteError

	return errors.As(err, &routeErr) && routeErr.Reason == core.ReasonCancelled
}
