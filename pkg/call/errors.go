package call

import "errors"

var (
	ErrCallInProgress    = errors.New("a call is already in progress")
	ErrNoActiveCall      = errors.New("no active call")
	ErrInvalidTransition = errors.New("operation not valid in current call status")
	ErrMediaUnavailable  = errors.New("local media unavailable")
)
