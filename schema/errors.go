package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrEmptyPrompt indicates the prompt was empty.
	ErrEmptyPrompt = errors.New("empty prompt")
	// ErrInvalidModel indicates an invalid model identifier.
	ErrInvalidModel = errors.New("invalid model")
	// ErrQuotaExceeded indicates the caller ran out of quota.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrModelRestricted indicates the model is not available on the caller's plan.
	ErrModelRestricted = errors.New("the selected model is not available on your current plan")
	// ErrStreamFailed indicates the server reported a stream error.
	ErrStreamFailed = errors.New("stream failed")
	// ErrSessionCancelled indicates the session was cancelled by the caller.
	ErrSessionCancelled = errors.New("session cancelled")
	// ErrSessionNotFound indicates a stored session could not be found.
	ErrSessionNotFound = errors.New("session not found")
)

// APIError is a non-2xx response from the generation endpoint.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e == nil {
		return "api error"
	}
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return e.Message
}

// Unwrap maps structured codes to sentinel errors.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	switch e.Code {
	case CodeModelRestricted:
		return ErrModelRestricted
	case CodeQuotaExceeded:
		return ErrQuotaExceeded
	default:
		return nil
	}
}

// QuotaError carries the structured quota rejection.
type QuotaError struct {
	Quota QuotaInfo
}

func (e *QuotaError) Error() string {
	if e == nil {
		return ErrQuotaExceeded.Error()
	}
	if e.Quota.Message != "" {
		return e.Quota.Message
	}
	return fmt.Sprintf("quota exceeded (plan=%s remaining=%d)", e.Quota.Plan, e.Quota.MessagesRemaining)
}

// Unwrap returns ErrQuotaExceeded.
func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// StreamError is an error envelope received mid-stream.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	if e == nil || e.Message == "" {
		return ErrStreamFailed.Error()
	}
	return e.Message
}

// Unwrap returns ErrStreamFailed.
func (e *StreamError) Unwrap() error {
	return ErrStreamFailed
}
