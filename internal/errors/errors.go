package errors

import (
	"errors"
)

// Sentinel errors for different categories
var (
	// ErrInvalidInput - invalid input (caller bug, never retried)
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound - resource not found
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied - credentials rejected by the platform
	ErrPermissionDenied = errors.New("permission denied")

	// ErrConflict - conflicting state, e.g. registration race
	ErrConflict = errors.New("conflict")

	// ErrTransient - transient error (retry with backoff)
	ErrTransient = errors.New("transient error")

	// ErrRateLimited - platform asked us to slow down (retry with backoff)
	ErrRateLimited = errors.New("rate limited")

	// ErrInternal - internal error
	ErrInternal = errors.New("internal error")
)

// Reason sentinels carried by the typed gateway errors. Match with errors.Is.
var (
	ErrAuthRejected       = errors.New("auth rejected")
	ErrNetworkUnreachable = errors.New("network unreachable")
	ErrRejected           = errors.New("rejected")
	ErrSessionDead        = errors.New("session dead")
	ErrNoSuchDestination  = errors.New("no such destination")
	ErrAdapterNotLive     = errors.New("adapter not live")
)
