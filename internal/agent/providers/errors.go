package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// FailureReason categorizes why a provider request failed. Only transient
// reasons are retried, and only before any output reached the caller.
type FailureReason string

const (
	// ReasonRateLimit indicates rate limiting (HTTP 429)
	ReasonRateLimit FailureReason = "rate_limit"

	// ReasonAuth indicates authentication failure (HTTP 401, 403)
	ReasonAuth FailureReason = "auth"

	// ReasonBilling indicates payment or quota issues (HTTP 402)
	ReasonBilling FailureReason = "billing"

	// ReasonTimeout indicates the request timed out
	ReasonTimeout FailureReason = "timeout"

	// ReasonNetwork indicates the connection failed before a response
	ReasonNetwork FailureReason = "network"

	// ReasonServerError indicates server-side issues (HTTP 5xx, overloaded)
	ReasonServerError FailureReason = "server_error"

	// ReasonInvalidRequest indicates a rejected request (HTTP 400, 422)
	ReasonInvalidRequest FailureReason = "invalid_request"

	// ReasonModelUnavailable indicates the model does not exist or is disabled
	ReasonModelUnavailable FailureReason = "model_unavailable"

	// ReasonCanceled indicates the caller canceled the request
	ReasonCanceled FailureReason = "canceled"

	// ReasonUnknown indicates an unclassified error
	ReasonUnknown FailureReason = "unknown"
)

// IsRetryable returns true if the reason suggests retrying may succeed.
func (r FailureReason) IsRetryable() bool {
	switch r {
	case ReasonRateLimit, ReasonTimeout, ReasonNetwork, ReasonServerError:
		return true
	default:
		return false
	}
}

// ShouldFailover reports whether another provider may succeed where this
// one failed. Invalid requests fail everywhere and cancellation is final.
func (r FailureReason) ShouldFailover() bool {
	switch r {
	case ReasonInvalidRequest, ReasonCanceled, ReasonUnknown:
		return false
	default:
		return true
	}
}

// ProviderError is a structured failure from an LLM provider.
type ProviderError struct {
	Reason    FailureReason
	Provider  string
	Model     string
	Status    int
	Code      string
	Message   string
	RequestID string
	Cause     error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Reason)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, "code="+e.Code)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps cause, inferring the reason from it.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ReasonUnknown,
	}
	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}
	return err
}

// WithStatus records the HTTP status and reclassifies from it.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if reason := classifyStatusCode(status); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithCode records a provider error code. Known codes refine the reason.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	if reason := classifyErrorCode(code); reason != ReasonUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID records the provider's request id.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError maps an arbitrary error to a FailureReason.
func ClassifyError(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}
	if pe, ok := GetProviderError(err); ok {
		return pe.Reason
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ReasonTimeout
		}
		return ReasonNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "timeout", "deadline exceeded", "etimedout"):
		return ReasonTimeout
	case containsAny(msg, "rate limit", "rate_limit", "too many requests", "429"):
		return ReasonRateLimit
	case containsAny(msg, "unauthorized", "invalid api key", "invalid_api_key", "authentication", "401", "403"):
		return ReasonAuth
	case containsAny(msg, "billing", "payment", "insufficient_quota", "402"):
		return ReasonBilling
	case containsAny(msg, "model not found", "model_not_found", "does not exist"):
		return ReasonModelUnavailable
	case containsAny(msg, "connection reset", "connection refused", "no such host", "broken pipe", "unexpected eof"):
		return ReasonNetwork
	case containsAny(msg, "overloaded", "internal server", "server error", "bad gateway", "service unavailable",
		"500", "502", "503", "504", "529"):
		return ReasonServerError
	}
	return ReasonUnknown
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func classifyStatusCode(status int) FailureReason {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ReasonAuth
	case status == http.StatusPaymentRequired:
		return ReasonBilling
	case status == http.StatusTooManyRequests:
		return ReasonRateLimit
	case status == http.StatusRequestTimeout:
		return ReasonTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ReasonInvalidRequest
	case status == http.StatusNotFound:
		return ReasonModelUnavailable
	case status >= 500:
		return ReasonServerError
	default:
		return ReasonUnknown
	}
}

func classifyErrorCode(code string) FailureReason {
	switch strings.ToLower(code) {
	case "rate_limit_error", "rate_limit_exceeded":
		return ReasonRateLimit
	case "authentication_error", "permission_error", "invalid_api_key":
		return ReasonAuth
	case "billing_error", "insufficient_quota":
		return ReasonBilling
	case "model_not_found", "not_found_error":
		return ReasonModelUnavailable
	case "overloaded_error", "api_error", "server_error":
		return ReasonServerError
	case "invalid_request_error":
		return ReasonInvalidRequest
	default:
		return ReasonUnknown
	}
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return ClassifyError(err).IsRetryable()
}

// ShouldFailover reports whether err warrants trying the next provider.
func ShouldFailover(err error) bool {
	return ClassifyError(err).ShouldFailover()
}
