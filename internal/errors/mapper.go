package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorMapper maps raw platform and SDK errors to the gateway taxonomy
type ErrorMapper interface {
	MapError(err error) error
	IsRetryable(err error) bool
	Category(err error) string
}

// DefaultErrorMapper implements the gateway error taxonomy mapping
type DefaultErrorMapper struct{}

// NewDefaultErrorMapper creates a new error mapper
func NewDefaultErrorMapper() *DefaultErrorMapper {
	return &DefaultErrorMapper{}
}

// MapError maps external errors to gateway error categories
func (m *DefaultErrorMapper) MapError(err error) error {
	if err == nil {
		return nil
	}

	// Propagate context errors as-is
	if errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("request timeout: %w", ErrTransient)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("network error: %w", ErrNetworkUnreachable)
	}

	// Map based on error message content
	errStr := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errStr, "invalid_auth"), strings.Contains(errStr, "not_authed"),
		strings.Contains(errStr, "token_revoked"), strings.Contains(errStr, "account_inactive"),
		strings.Contains(errStr, "authentication failed"), strings.Contains(errStr, "unauthorized"),
		strings.Contains(errStr, "invalid_client"), strings.Contains(errStr, "forbidden"):
		return fmt.Errorf("auth rejected: %w", ErrAuthRejected)

	case strings.Contains(errStr, "rate limit"), strings.Contains(errStr, "ratelimited"),
		strings.Contains(errStr, "too many requests"), strings.Contains(errStr, "429"):
		return fmt.Errorf("rate limited: %w", ErrRateLimited)

	case strings.Contains(errStr, "channel_not_found"), strings.Contains(errStr, "not_in_channel"),
		strings.Contains(errStr, "unknown channel"), strings.Contains(errStr, "missing access"),
		strings.Contains(errStr, "chat not found"), strings.Contains(errStr, "bad request"),
		strings.Contains(errStr, "msg_too_long"), strings.Contains(errStr, "invalid"):
		return fmt.Errorf("rejected: %w", ErrRejected)

	case strings.Contains(errStr, "timeout"), strings.Contains(errStr, "deadline exceeded"):
		return fmt.Errorf("request timeout: %w", ErrTransient)

	case strings.Contains(errStr, "no such host"), strings.Contains(errStr, "connection refused"),
		strings.Contains(errStr, "network"), strings.Contains(errStr, "unreachable"),
		strings.Contains(errStr, "connection reset"), strings.Contains(errStr, "eof"):
		return fmt.Errorf("network error: %w", ErrNetworkUnreachable)

	default:
		return fmt.Errorf("internal error: %w", ErrInternal)
	}
}

// ConnectReason classifies a connect failure into a ConnectError reason.
func (m *DefaultErrorMapper) ConnectReason(err error) error {
	mapped := m.MapError(err)
	switch {
	case errors.Is(mapped, ErrAuthRejected):
		return ErrAuthRejected
	case errors.Is(mapped, ErrRateLimited):
		return ErrRateLimited
	default:
		return ErrNetworkUnreachable
	}
}

// SendReason classifies a send failure into a SendError reason.
func (m *DefaultErrorMapper) SendReason(err error) error {
	mapped := m.MapError(err)
	switch {
	case errors.Is(mapped, ErrRateLimited):
		return ErrRateLimited
	case errors.Is(mapped, ErrRejected), errors.Is(mapped, ErrAuthRejected):
		return ErrRejected
	default:
		return ErrSessionDead
	}
}

// IsRetryable determines if an error should trigger a retry
func (m *DefaultErrorMapper) IsRetryable(err error) bool {
	return IsRetryable(err)
}

// Category returns the gateway error category for an error
func (m *DefaultErrorMapper) Category(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrAuthRejected):
		return "ErrAuthRejected"
	case errors.Is(err, ErrNetworkUnreachable):
		return "ErrNetworkUnreachable"
	case errors.Is(err, ErrRateLimited):
		return "ErrRateLimited"
	case errors.Is(err, ErrRejected):
		return "ErrRejected"
	case errors.Is(err, ErrSessionDead):
		return "ErrSessionDead"
	case errors.Is(err, ErrNoSuchDestination):
		return "ErrNoSuchDestination"
	case errors.Is(err, ErrAdapterNotLive):
		return "ErrAdapterNotLive"
	case errors.Is(err, ErrInvalidInput):
		return "ErrInvalidInput"
	case errors.Is(err, ErrPermissionDenied):
		return "ErrPermissionDenied"
	case errors.Is(err, ErrNotFound):
		return "ErrNotFound"
	case errors.Is(err, ErrConflict):
		return "ErrConflict"
	case errors.Is(err, ErrTransient):
		return "ErrTransient"
	case errors.Is(err, ErrInternal):
		return "ErrInternal"
	default:
		return "Unknown"
	}
}

// Wrap wraps an error with context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%s: %w", message, err)
}

// IsCategory checks if error belongs to specific category
func IsCategory(err error, category error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, category)
}

// NotFound wraps error as not found
func NotFound(message string) error {
	return fmt.Errorf("%s: %w", message, ErrNotFound)
}

// InvalidInput wraps error as invalid input
func InvalidInput(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInvalidInput)
}

// Transient wraps error as transient
func Transient(message string) error {
	return fmt.Errorf("%s: %w", message, ErrTransient)
}

// Internal wraps error as internal
func Internal(message string) error {
	return fmt.Errorf("%s: %w", message, ErrInternal)
}

// IsRetryable checks if an error is transient, rate limited or a network failure
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrAuthRejected) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrNetworkUnreachable) || errors.Is(err, ErrConflict)
}

// Is, As and New re-export the standard helpers so callers need one errors import.
var (
	Is  = errors.Is
	As  = errors.As
	New = errors.New
)
