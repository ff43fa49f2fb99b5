package errors

import (
	"errors"
	"fmt"
)

var (
	ErrTokenNotFound    = errors.New("token not found")
	ErrTokenExists      = errors.New("token already exists")
	ErrInvalidInput     = errors.New("event router input is invalid")
	ErrRouterStopped    = errors.New("event router is not accepting traffic")
	ErrRevertConflict   = errors.New("token state changed since transition was applied")
	ErrDLQEmpty         = errors.New("dead letter queue is empty")
	ErrOutboxNotFound   = errors.New("outbox entry not found")
	ErrSettlementDenied = errors.New("settlement trigger did not accept the release")
)

// Transition rejection reasons surfaced on RoutingResult error messages.
const (
	ReasonStaleState        = "STALE_STATE"
	ReasonIllegalTransition = "ILLEGAL_TRANSITION"
	ReasonMissingProof      = "MISSING_PROOF"
)

// DispatchError marks permanently malformed input rejected by the
// normalizer before any store access.
type DispatchError struct {
	Reason string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch validation failed: %s", e.Reason)
}

// NewDispatchError builds a DispatchError with a formatted reason.
func NewDispatchError(format string, args ...any) *DispatchError {
	return &DispatchError{Reason: fmt.Sprintf(format, args...)}
}

// IsDispatchError reports whether err is a normalizer rejection.
func IsDispatchError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}
