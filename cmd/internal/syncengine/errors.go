package syncengine

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthenticationExpired is fatal for a connection: the loop stops and is never retried.
	ErrAuthenticationExpired = errors.New("syncengine: authentication expired")

	// ErrTransientNetwork marks failures worth retrying with backoff.
	ErrTransientNetwork = errors.New("syncengine: transient network failure")

	// ErrNotConnected is returned when an operation needs a live stream for the user.
	ErrNotConnected = errors.New("syncengine: not connected")

	// ErrRemoteRejected is returned when the remote refuses a well-formed request.
	ErrRemoteRejected = errors.New("syncengine: remote rejected request")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("syncengine: invalid input")

	// ErrClosed is returned after the engine or a stream has been closed.
	ErrClosed = errors.New("syncengine: closed")
)

// RateLimitError is returned when a backfill would wait longer than allowed.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("syncengine: backfill rate limited, retry after %s", e.RetryAfter)
}
