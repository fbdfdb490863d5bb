package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// RemoteError is a non-2xx response from the remote system, kept with
// enough of the body to diagnose without re-running the call.
type RemoteError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: remote returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: remote returned %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsAuth reports whether err is an authentication or authorization failure.
// These are never retried and they open the transport's circuit breaker.
func IsAuth(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode == http.StatusUnauthorized || re.StatusCode == http.StatusForbidden
	}
	return false
}

// IsNotFound reports whether err means the addressed resource is gone.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrItemNotFound) {
		return true
	}
	var re *RemoteError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

// IsTransient reports whether err is worth retrying: rate limits, server
// errors, timeouts, and network-level failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.StatusCode == http.StatusTooManyRequests || re.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
