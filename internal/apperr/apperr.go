// Package apperr normalizes failures into a small taxonomy of kinds with a
// severity and a recoverability flag. Every error is classified before it is
// logged or surfaced to the user.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Sentinel errors raised by the pipeline and its adapters.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrRateLimited       = errors.New("rate limited")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrInvalidResponse   = errors.New("invalid response")
	ErrAlreadyRunning    = errors.New("already running")
)

type Kind string

const (
	KindNetwork           Kind = "network"
	KindInvalidCredential Kind = "invalid_credential"
	KindMissingCredential Kind = "missing_credential"
	KindRateLimited       Kind = "rate_limited"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindInvalidResponse   Kind = "invalid_response"
	KindAlreadyRunning    Kind = "already_running"
	KindUnknown           Kind = "unknown"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Record is the normalized form of a failure. It is only ever logged.
type Record struct {
	Kind        Kind
	Severity    Severity
	Recoverable bool
	Message     string
	Context     map[string]any
	Timestamp   time.Time
}

// StatusError carries the HTTP status an upstream service answered with.
// Provider adapters wrap SDK errors in it so the taxonomy stays SDK-agnostic.
type StatusError struct {
	Service string
	Status  int
	Err     error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Service, e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Classify normalizes err into a Record. ctx is attached verbatim.
func Classify(err error, ctx map[string]any) Record {
	rec := Record{
		Kind:        KindUnknown,
		Severity:    SeverityMedium,
		Recoverable: false,
		Context:     ctx,
		Timestamp:   time.Now().UTC(),
	}
	if err == nil {
		return rec
	}
	rec.Message = err.Error()
	rec.Kind, rec.Severity, rec.Recoverable = classify(err)
	return rec
}

// Recoverable is shorthand for Classify(err, nil).Recoverable.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	_, _, ok := classify(err)
	return ok
}

func classify(err error) (Kind, Severity, bool) {
	switch {
	case errors.Is(err, ErrMissingCredential):
		return KindMissingCredential, SeverityCritical, false
	case errors.Is(err, ErrInvalidCredential):
		return KindInvalidCredential, SeverityHigh, false
	case errors.Is(err, ErrAlreadyRunning):
		return KindAlreadyRunning, SeverityLow, true
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded, SeverityHigh, true
	case errors.Is(err, ErrRateLimited):
		return rateLimited(err)
	case errors.Is(err, ErrInvalidResponse):
		return KindInvalidResponse, SeverityMedium, true
	case errors.Is(err, context.DeadlineExceeded):
		return KindNetwork, SeverityLow, true
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Status == 401 || se.Status == 403:
			return KindInvalidCredential, SeverityHigh, false
		case se.Status == 429 || se.Status == 402:
			return rateLimited(err)
		case se.Status == 408 || se.Status >= 500:
			return KindNetwork, SeverityLow, true
		}
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return KindNetwork, SeverityLow, true
	}

	return classifyMessage(strings.ToLower(err.Error()))
}

// rateLimited marks quota exhaustion as more severe than plain throttling.
func rateLimited(err error) (Kind, Severity, bool) {
	if strings.Contains(strings.ToLower(err.Error()), "quota") {
		return KindRateLimited, SeverityHigh, true
	}
	return KindRateLimited, SeverityMedium, true
}

// classifyMessage is the last resort for errors without a typed cause.
func classifyMessage(msg string) (Kind, Severity, bool) {
	switch {
	case containsAny(msg, "api key", "apikey", "api_key") && containsAny(msg, "missing", "not set", "required", "empty"):
		return KindMissingCredential, SeverityCritical, false
	case containsAny(msg, "invalid api key", "invalid x-api-key", "unauthorized", "authentication", "permission denied"):
		return KindInvalidCredential, SeverityHigh, false
	case containsAny(msg, "rate limit", "too many requests", "resource_exhausted", "insufficient_quota"):
		if strings.Contains(msg, "quota") {
			return KindRateLimited, SeverityHigh, true
		}
		return KindRateLimited, SeverityMedium, true
	case containsAny(msg, "quota", "database or disk is full", "limit exceeded"):
		return KindQuotaExceeded, SeverityHigh, true
	case containsAny(msg, "timeout", "timed out", "connection refused", "connection reset", "no such host", "eof"):
		return KindNetwork, SeverityLow, true
	case containsAny(msg, "unexpected end of json", "invalid character", "cannot unmarshal", "malformed"):
		return KindInvalidResponse, SeverityMedium, true
	}
	return KindUnknown, SeverityMedium, false
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

// UserMessage is the text shown to the mailbox owner. It never includes the
// internal error detail.
func (r Record) UserMessage() string {
	switch r.Kind {
	case KindMissingCredential:
		return "Triage stopped: no classifier API key is configured. Add a key and start a new run."
	case KindInvalidCredential:
		return "Triage stopped: the classifier rejected the configured API key. Check the key and start a new run."
	case KindRateLimited:
		return "The classifier is rate limiting requests. Processing will continue on the next run."
	case KindQuotaExceeded:
		return "A mailbox quota was exceeded. Some messages were marked with an error and can be retried later."
	case KindInvalidResponse:
		return "The classifier returned an unreadable answer for some messages; they were marked with an error."
	case KindNetwork:
		return "A network problem interrupted classification. Affected messages were marked with an error."
	case KindAlreadyRunning:
		return "Triage is already running for this mailbox."
	default:
		return "Triage hit an unexpected problem and stopped."
	}
}
