// Package httputil holds the shared HTTP client used by every upstream
// client.
package httputil

import (
	"net/http"
	"time"
)

// DefaultTimeout bounds a whole request, body included. A timeout is a
// failed fetch unit.
const DefaultTimeout = 30 * time.Second

const UserAgent = "worldaq/1.0 (+https://github.com/lox/worldaq)"

// NewClient returns a client with DefaultTimeout whose requests carry
// UserAgent unless the caller set one.
func NewClient() *http.Client {
	return &http.Client{
		Timeout:   DefaultTimeout,
		Transport: &userAgentTransport{base: http.DefaultTransport},
	}
}

type userAgentTransport struct {
	base http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent)
	}
	return t.base.RoundTrip(req)
}

// Retryable reports whether a response status is worth another attempt:
// rate limiting and server-side failures.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}
