package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrConfigRequired        = sterrors.New("toolbridge: configuration is required")
	ErrLoggerRequired        = sterrors.New("toolbridge: logger is required")
	ErrPublisherRequired     = sterrors.New("toolbridge: publisher is required")
	ErrSubscriberRequired    = sterrors.New("toolbridge: subscriber is required")
	ErrTopicRequired         = sterrors.New("toolbridge: topic is required")
	ErrNameRequired          = sterrors.New("toolbridge: registration name is required")
	ErrRegistrationRequired  = sterrors.New("toolbridge: registration is required")
	ErrAlreadySubscribed     = sterrors.New("toolbridge: topic is already subscribed")
	ErrNotSubscribed         = sterrors.New("toolbridge: topic is not subscribed")
	ErrConsumerClosed        = sterrors.New("toolbridge: consumer is closed")
	ErrDirectoryNotReady     = sterrors.New("toolbridge: directory has not finished replay")
	ErrDirectoryLogRequired  = sterrors.New("toolbridge: directory log is required")
	ErrUnknownKind           = sterrors.New("toolbridge: unknown registration kind")
	ErrTemplateNotSupported  = sterrors.New("toolbridge: resource template registration is not supported")
	ErrInputRequired         = sterrors.New("toolbridge: input_required status is not supported")
	ErrUnknownResponseStatus = sterrors.New("toolbridge: unknown response status")

	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = sterrors.New("toolbridge: timed out waiting for response")
	// ErrCorrelationSuperseded rejects a waiter whose (topic, id) slot was taken by a newer registration.
	ErrCorrelationSuperseded = sterrors.New("toolbridge: pending correlation superseded")
	// ErrCancelled is delivered when the caller cancels a pending call.
	ErrCancelled = sterrors.New("toolbridge: pending call cancelled")
	// ErrMessageTooLarge rejects a request the transport cannot carry.
	ErrMessageTooLarge = sterrors.New("toolbridge: request exceeds transport message size")
)

// ConfigValidationError wraps configuration problems detected at startup.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("toolbridge: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// DirectoryReplayError reports a directory record that could not be decoded.
// The record is skipped; replay continues.
type DirectoryReplayError struct {
	Key string
	Err error
}

func (e *DirectoryReplayError) Error() string {
	return fmt.Sprintf("toolbridge: malformed directory record %q: %v", e.Key, e.Err)
}

func (e *DirectoryReplayError) Unwrap() error { return e.Err }

// DispatchError reports a request that could not be published.
type DispatchError struct {
	Topic         string
	CorrelationID string
	Err           error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("toolbridge: dispatch to %s failed (correlation %s): %v", e.Topic, e.CorrelationID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// RoutingMiss describes a response nobody is waiting for. It is logged, never
// delivered to a caller.
type RoutingMiss struct {
	Topic         string
	CorrelationID string
	Reason        string
}

func (e *RoutingMiss) Error() string {
	return fmt.Sprintf("toolbridge: no pending correlation %q on %s: %s", e.CorrelationID, e.Topic, e.Reason)
}

// TimeoutError is delivered to a future whose deadline passed without a response.
type TimeoutError struct {
	Topic         string
	CorrelationID string
	Deadline      time.Time
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("toolbridge: no response on %s for correlation %s before %s",
		e.Topic, e.CorrelationID, e.Deadline.Format(time.RFC3339Nano))
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// HandlerInitError reports a capability whose handler failed to initialize.
type HandlerInitError struct {
	Name string
	Err  error
}

func (e *HandlerInitError) Error() string {
	return fmt.Sprintf("toolbridge: handler %q failed to initialize: %v", e.Name, e.Err)
}

func (e *HandlerInitError) Unwrap() error { return e.Err }

// HandlerTeardownError reports a handler that failed to tear down.
type HandlerTeardownError struct {
	Name string
	Err  error
}

func (e *HandlerTeardownError) Error() string {
	return fmt.Sprintf("toolbridge: handler %q failed to tear down: %v", e.Name, e.Err)
}

func (e *HandlerTeardownError) Unwrap() error { return e.Err }

// ResponseError carries a remote worker's error or failed response.
type ResponseError struct {
	Status    string
	Message   string
	Exception string
}

func (e *ResponseError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Exception
	}
	if msg == "" {
		msg = "remote worker reported " + e.Status
	}
	return "toolbridge: " + msg
}
