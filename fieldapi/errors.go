// Copyright 2025 RightFit Services
// SPDX-License-Identifier: Apache-2.0

package fieldapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrAuth marks an authentication failure that persisted after a token
// refresh attempt. It is permanent and must surface to the caller rather
// than be queued for retry.
var ErrAuth = errors.New("authentication failed")

// RemoteError is a non-2xx response from the backend.
type RemoteError struct {
	StatusCode int
	Body       ErrorBody
}

func (e *RemoteError) Error() string {
	if text := e.Body.Text(); text != "" {
		return fmt.Sprintf("server returned status %d: %s", e.StatusCode, text)
	}
	return fmt.Sprintf("server returned status %d", e.StatusCode)
}

// Transient reports whether the response is worth retrying. 5xx responses
// and explicit throttling/timeout statuses are transient; other 4xx
// responses mean the server understood the request and rejected it, so
// retrying the same payload can never succeed.
func (e *RemoteError) Transient() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// IsTransient classifies an error from a gateway call. No-response failures
// (connection refused, timeouts, cancelled contexts) are transient;
// RemoteError defers to its status code; ErrAuth is always permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) {
		return false
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	// Anything else without a server response (url.Error wrapping a dial
	// failure, unexpected EOF mid-body) is treated as a network fault.
	return true
}

// IsPermanent is the complement of IsTransient for non-nil errors.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}
