package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		kind        Kind
		severity    Severity
		recoverable bool
	}{
		{"missing credential", fmt.Errorf("start run: %w", ErrMissingCredential), KindMissingCredential, SeverityCritical, false},
		{"invalid credential sentinel", ErrInvalidCredential, KindInvalidCredential, SeverityHigh, false},
		{"status 401", &StatusError{Service: "anthropic", Status: 401, Err: errors.New("bad key")}, KindInvalidCredential, SeverityHigh, false},
		{"status 429", &StatusError{Service: "openai", Status: 429, Err: errors.New("slow down")}, KindRateLimited, SeverityMedium, true},
		{"status 429 quota", &StatusError{Service: "openai", Status: 429, Err: errors.New("insufficient_quota")}, KindRateLimited, SeverityHigh, true},
		{"status 503", &StatusError{Service: "gemini", Status: 503, Err: errors.New("unavailable")}, KindNetwork, SeverityLow, true},
		{"downstream quota", fmt.Errorf("create draft: %w", ErrQuotaExceeded), KindQuotaExceeded, SeverityHigh, true},
		{"invalid response", fmt.Errorf("batch b1: %w", ErrInvalidResponse), KindInvalidResponse, SeverityMedium, true},
		{"net error", &net.OpError{Op: "dial", Err: timeoutErr{}}, KindNetwork, SeverityLow, true},
		{"deadline", context.DeadlineExceeded, KindNetwork, SeverityLow, true},
		{"already running", ErrAlreadyRunning, KindAlreadyRunning, SeverityLow, true},
		{"message api key", errors.New("anthropic api key is required"), KindMissingCredential, SeverityCritical, false},
		{"message json", errors.New("unexpected end of JSON input"), KindInvalidResponse, SeverityMedium, true},
		{"unknown", errors.New("boom"), KindUnknown, SeverityMedium, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Classify(tt.err, map[string]any{"batch": "b1"})
			assert.Equal(t, tt.kind, rec.Kind)
			assert.Equal(t, tt.severity, rec.Severity)
			assert.Equal(t, tt.recoverable, rec.Recoverable)
			assert.Equal(t, tt.err.Error(), rec.Message)
			assert.Equal(t, "b1", rec.Context["batch"])
			assert.False(t, rec.Timestamp.IsZero())
		})
	}
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(nil))
	assert.True(t, Recoverable(ErrRateLimited))
	assert.False(t, Recoverable(ErrMissingCredential))
}

func TestUserMessageHidesDetail(t *testing.T) {
	rec := Classify(&StatusError{Service: "anthropic", Status: 401, Err: errors.New("key sk-ant-secret rejected")}, nil)
	msg := rec.UserMessage()
	assert.NotContains(t, msg, "sk-ant-secret")
	assert.Contains(t, msg, "API key")
}
