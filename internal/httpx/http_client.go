// Package httpx builds the HTTP client shared by every outbound integration.
package httpx

import (
	"net/http"
	"time"
)

const defaultExternalHTTPTimeout = 90 * time.Second

// Timeout converts a configured number of seconds into a client timeout,
// falling back to the default for non-positive values.
func Timeout(seconds int) time.Duration {
	if seconds <= 0 {
		return defaultExternalHTTPTimeout
	}
	return time.Duration(seconds) * time.Second
}

// NewExternalClient returns a client for LLM providers and Slack. The
// timeout caps a single request; callers bound whole operations with ctx.
func NewExternalClient(timeoutSeconds int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 4
	return &http.Client{
		Timeout:   Timeout(timeoutSeconds),
		Transport: transport,
	}
}
