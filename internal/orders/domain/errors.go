package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// RemoteError is the decoded failure envelope of a remote call:
// {success, errorMessage, httpStatus, rateLimited, retryAfterSeconds}.
// Transport-level failures (timeouts, refused connections) are NOT
// RemoteErrors; IsTransient covers those.
type RemoteError struct {
	Status      int
	Message     string
	RateLimited bool
	RetryAfter  time.Duration
}

func (e *RemoteError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("remote rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("remote error %d: %s", e.Status, e.Message)
}

// IsRateLimited reports a 429-style response. The caller keeps its
// optimistic state and retries after RetryAfterIn(err).
func IsRateLimited(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.RateLimited
}

// RetryAfterIn extracts the server-supplied retry window, or def when
// the server sent none.
func RetryAfterIn(err error, def time.Duration) time.Duration {
	var re *RemoteError
	if errors.As(err, &re) && re.RetryAfter > 0 {
		return re.RetryAfter
	}
	return def
}

// IsNotFound reports the remote order vanished, which usually means a
// different terminal already transitioned it.
func IsNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status == http.StatusNotFound
}

// IsServerError reports a definite 5xx failure.
func IsServerError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Status >= 500
}

// IsDefiniteFailure covers responses that warrant rolling back an
// optimistic mutation: validation 4xx (other than 404/429) and 5xx.
func IsDefiniteFailure(err error) bool {
	var re *RemoteError
	if !errors.As(err, &re) {
		return false
	}
	if re.RateLimited || re.Status == http.StatusNotFound {
		return false
	}
	return re.Status >= 400
}

// IsTransient reports a network-level failure with no remote verdict.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	return !errors.As(err, &re)
}
