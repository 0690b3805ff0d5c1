package errors

import (
	"errors"
	"fmt"
)

// ConnectError is returned when a platform session cannot be established.
// Reason is one of ErrAuthRejected, ErrNetworkUnreachable or ErrRateLimited.
type ConnectError struct {
	Platform string
	Reason   error
	Err      error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s connect: %v", e.Platform, e.Reason)
	}
	return fmt.Sprintf("%s connect: %v: %v", e.Platform, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{e.Reason, e.Err}
}

// Terminal reports whether retrying cannot help without new credentials.
func (e *ConnectError) Terminal() bool {
	return errors.Is(e.Reason, ErrAuthRejected)
}

// NewConnectError builds a ConnectError.
func NewConnectError(platform string, reason, err error) *ConnectError {
	return &ConnectError{Platform: platform, Reason: reason, Err: err}
}

// DecodeError marks an inbound platform event that could not be turned into a message.
// It is logged and dropped; the stream continues.
type DecodeError struct {
	Platform string
	Event    string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s decode %s: %v", e.Platform, e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// NewDecodeError builds a DecodeError.
func NewDecodeError(platform, event string, err error) *DecodeError {
	return &DecodeError{Platform: platform, Event: event, Err: err}
}

// EncodeError marks an outbound message that cannot be represented on the platform.
type EncodeError struct {
	Platform string
	Err      error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("%s encode: %v", e.Platform, e.Err)
}

func (e *EncodeError) Unwrap() []error {
	return []error{ErrInvalidInput, e.Err}
}

// NewEncodeError builds an EncodeError.
func NewEncodeError(platform string, err error) *EncodeError {
	return &EncodeError{Platform: platform, Err: err}
}

// SendError is returned when a platform refuses or cannot take an outbound message.
// Reason is one of ErrRateLimited, ErrRejected or ErrSessionDead.
type SendError struct {
	Platform string
	Reason   error
	Err      error
}

func (e *SendError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s send: %v", e.Platform, e.Reason)
	}
	return fmt.Sprintf("%s send: %v: %v", e.Platform, e.Reason, e.Err)
}

func (e *SendError) Unwrap() []error {
	return []error{e.Reason, e.Err}
}

// NewSendError builds a SendError.
func NewSendError(platform string, reason, err error) *SendError {
	return &SendError{Platform: platform, Reason: reason, Err: err}
}

// RouteError is returned by the router when a destination cannot be served.
// Reason is ErrNoSuchDestination or ErrAdapterNotLive.
type RouteError struct {
	Destination string
	Reason      error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route %s: %v", e.Destination, e.Reason)
}

func (e *RouteError) Unwrap() error {
	return e.Reason
}

// NoSuchDestination builds a RouteError for an unregistered destination.
func NoSuchDestination(dest string) *RouteError {
	return &RouteError{Destination: dest, Reason: ErrNoSuchDestination}
}

// AdapterNotLive builds a RouteError for an adapter that cannot take traffic.
func AdapterNotLive(dest string) *RouteError {
	return &RouteError{Destination: dest, Reason: ErrAdapterNotLive}
}
