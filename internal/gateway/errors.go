package gateway

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a planner failure.
type ErrorKind string

const (
	// RateLimited means the provider throttled the request. Retryable.
	RateLimited ErrorKind = "rate_limited"
	// Unauthorized means the API key was rejected. Not retryable.
	Unauthorized ErrorKind = "unauthorized"
	// Transport covers network failures and unexpected HTTP statuses.
	// Retryable.
	Transport ErrorKind = "transport"
	// Malformed means the provider answered but the reply was not a usable
	// plan. Not retryable.
	Malformed ErrorKind = "malformed"
)

// Error is a classified planner failure.
type Error struct {
	Kind   ErrorKind
	Status int // HTTP status when known
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("planner %s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("planner %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("planner %s: %s", e.Kind, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could succeed.
func (e *Error) Retryable() bool {
	return e.Kind == RateLimited || e.Kind == Transport
}

// AsError unwraps err into a planner error.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// Retryable reports whether err is a retryable planner failure. Anything
// that is not a planner error, including context cancellation, is not.
func Retryable(err error) bool {
	ge, ok := AsError(err)
	return ok && ge.Retryable()
}

// kindForStatus maps an HTTP status to an error kind.
func kindForStatus(status int) ErrorKind {
	switch status {
	case 429:
		return RateLimited
	case 401, 403:
		return Unauthorized
	default:
		return Transport
	}
}
