// Package errors provides custom error types for the streamer's failure taxonomy.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrNotConnected     = errors.New("feed not connected")
	ErrHandshakeTimeout = errors.New("feed handshake timed out")
	ErrNotReady         = errors.New("not ready")
	ErrReadyTimeout     = errors.New("worker readiness timed out")
	ErrWorkerFailed     = errors.New("worker failed")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrReferenceMissing = errors.New("reference data missing")
	ErrSettingNotFound  = errors.New("setting not found")
	ErrNoFuturesPrice   = errors.New("futures price unavailable")
	ErrInvalidExpiry    = errors.New("invalid expiry")
	ErrMalformedMessage = errors.New("malformed message")
	ErrUnknownMessage   = errors.New("unknown message type")
)

// ConfigurationError represents missing or invalid startup configuration or
// reference data. It is fatal to the process.
type ConfigurationError struct {
	Component string
	Message   string
	Err       error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error [%s]: %s: %v", e.Component, e.Message, e.Err)
	}
	return fmt.Sprintf("configuration error [%s]: %s", e.Component, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(component, message string, err error) *ConfigurationError {
	return &ConfigurationError{
		Component: component,
		Message:   message,
		Err:       err,
	}
}

// TransientError represents a hiccup in an external collaborator (quote,
// margin or feed). Callers retry or log and skip.
type TransientError struct {
	Service   string
	Operation string
	Err       error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error [%s] %s: %v", e.Service, e.Operation, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError creates a new TransientError.
func NewTransientError(service, operation string, err error) *TransientError {
	return &TransientError{
		Service:   service,
		Operation: operation,
		Err:       err,
	}
}

// DataQualityError represents bad input data for a single computation.
// It degrades the affected value to zero and nothing else.
type DataQualityError struct {
	Subject string
	Message string
	Err     error
}

func (e *DataQualityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data quality [%s]: %s: %v", e.Subject, e.Message, e.Err)
	}
	return fmt.Sprintf("data quality [%s]: %s", e.Subject, e.Message)
}

func (e *DataQualityError) Unwrap() error {
	return e.Err
}

// NewDataQualityError creates a new DataQualityError.
func NewDataQualityError(subject, message string, err error) *DataQualityError {
	return &DataQualityError{
		Subject: subject,
		Message: message,
		Err:     err,
	}
}

// ProtocolError represents a malformed IPC or client message. It is logged
// and the message is ignored.
type ProtocolError struct {
	Channel string
	Payload string
	Err     error
}

func (e *ProtocolError) Error() string {
	payload := e.Payload
	if len(payload) > 120 {
		payload = payload[:120] + "..."
	}
	return fmt.Sprintf("protocol error [%s] %q: %v", e.Channel, payload, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError.
func NewProtocolError(channel, payload string, err error) *ProtocolError {
	return &ProtocolError{
		Channel: channel,
		Payload: payload,
		Err:     err,
	}
}

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr) ||
		errors.Is(err, ErrConfigInvalid) ||
		errors.Is(err, ErrReferenceMissing) ||
		errors.Is(err, ErrReadyTimeout) ||
		errors.Is(err, ErrWorkerFailed) ||
		errors.Is(err, ErrHandshakeTimeout)
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}
