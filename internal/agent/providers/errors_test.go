package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestFailureReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason   FailureReason
		expected bool
	}{
		{ReasonRateLimit, true},
		{ReasonTimeout, true},
		{ReasonNetwork, true},
		{ReasonServerError, true},
		{ReasonBilling, false},
		{ReasonAuth, false},
		{ReasonInvalidRequest, false},
		{ReasonModelUnavailable, false},
		{ReasonCanceled, false},
		{ReasonUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.expected {
				t.Errorf("FailureReason(%q).IsRetryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected FailureReason
	}{
		{"nil", nil, ReasonUnknown},
		{"canceled", fmt.Errorf("read: %w", context.Canceled), ReasonCanceled},
		{"deadline", context.DeadlineExceeded, ReasonTimeout},
		{"net op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, ReasonNetwork},
		{"rate limit text", errors.New("429 Too Many Requests"), ReasonRateLimit},
		{"auth text", errors.New("invalid api key provided"), ReasonAuth},
		{"billing text", errors.New("insufficient_quota"), ReasonBilling},
		{"overloaded", errors.New("Overloaded"), ReasonServerError},
		{"bad gateway", errors.New("502 bad gateway"), ReasonServerError},
		{"reset", errors.New("read tcp: connection reset by peer"), ReasonNetwork},
		{"model", errors.New("model_not_found"), ReasonModelUnavailable},
		{"provider error", &ProviderError{Reason: ReasonBilling}, ReasonBilling},
		{"other", errors.New("something odd"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.expected {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.expected)
			}
		})
	}
}

func TestProviderError_Builders(t *testing.T) {
	cause := errors.New("boom")
	err := NewProviderError("anthropic", "claude", cause).WithStatus(429).WithRequestID("req_1")
	if err.Reason != ReasonRateLimit {
		t.Errorf("reason: got %q, want %q", err.Reason, ReasonRateLimit)
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to find the cause")
	}
	want := "[rate_limit] anthropic model=claude status=429 boom"
	if err.Error() != want {
		t.Errorf("Error(): got %q, want %q", err.Error(), want)
	}

	err.WithCode("overloaded_error")
	if err.Reason != ReasonServerError {
		t.Errorf("code reason: got %q, want %q", err.Reason, ReasonServerError)
	}
	err.WithCode("something_new")
	if err.Reason != ReasonServerError {
		t.Errorf("unknown code changed reason to %q", err.Reason)
	}
}

func TestIsRetryable_WrappedProviderError(t *testing.T) {
	err := fmt.Errorf("round 2: %w", (&ProviderError{}).WithStatus(503))
	if !IsRetryable(err) {
		t.Error("expected wrapped 503 to be retryable")
	}
	if IsRetryable((&ProviderError{}).WithStatus(400)) {
		t.Error("expected 400 not to be retryable")
	}
}

func TestShouldFailover(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{NewProviderError("anthropic", "m", errors.New("x")).WithStatus(529), true},
		{NewProviderError("openai", "m", errors.New("x")).WithStatus(401), true},
		{NewProviderError("openai", "m", errors.New("x")).WithStatus(400), false},
		{context.Canceled, false},
		{errors.New("something odd"), false},
	}
	for _, tt := range tests {
		if got := ShouldFailover(tt.err); got != tt.want {
			t.Errorf("ShouldFailover(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
