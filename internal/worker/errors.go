package worker

import "errors"

// ErrAlreadyStarted is returned by Start when the session is already
// running.
var ErrAlreadyStarted = errors.New("worker: session already started")

// ErrInputTypeMismatch is returned when a predict request's declared
// input type doesn't match the model's accepted type.
var ErrInputTypeMismatch = errors.New("worker: predict request input type mismatch")

// ErrActivityTimeout is recorded when no frame, including a heartbeat,
// is seen within the activity timeout, forcing a reconnect.
var ErrActivityTimeout = errors.New("worker: activity timeout")

// ErrTransportFailure wraps a lower-level transport error observed by
// the session's read or write loop.
type ErrTransportFailure struct {
	Err error
}

func (e *ErrTransportFailure) Error() string {
	return "worker: transport failure: " + e.Err.Error()
}

func (e *ErrTransportFailure) Unwrap() error {
	return e.Err
}
