package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// HTTPError is a non-2xx response from a remote backend.
type HTTPError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("provider %s: http %d: %s", e.Provider, e.StatusCode, e.Message)
}

// RateLimited reports whether the backend itself refused the request for
// rate reasons. The router treats this as a dispatch failure, not a local
// quota refusal.
func (e *HTTPError) RateLimited() bool {
	return e.StatusCode == 429
}

// TimeoutError is a dispatch that exceeded its per-provider deadline.
type TimeoutError struct {
	Provider string
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s: dispatch timed out: %v", e.Provider, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Classify converts a raw client error into the router-facing taxonomy.
// Context cancellation from the outer request is passed through untouched so
// the failover loop can distinguish caller aborts from provider timeouts.
func Classify(providerName string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Provider: providerName, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Provider: providerName, Err: err}
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return fmt.Errorf("provider %s: %w", providerName, err)
}

// IsTimeout reports whether err is a per-provider dispatch timeout.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr)
}
