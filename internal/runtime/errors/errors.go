package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
)

var (
	ErrServiceRequired    = sterrors.New("courier: service is required")
	ErrMessageRequired    = sterrors.New("courier: message type is required")
	ErrEventRequired      = sterrors.New("courier: event type is required")
	ErrHandlerRequired    = sterrors.New("courier: handler function is required")
	ErrClassNameRequired  = sterrors.New("courier: class name is required")
	ErrMethodNameRequired = sterrors.New("courier: method name is required")
	ErrInvalidRequest     = sterrors.New("courier: invalid request")
	ErrConfigRequired     = sterrors.New("courier: configuration is required")
	ErrTransportRequired  = sterrors.New("courier: transport is required")
	ErrClientClosed       = sterrors.New("courier: client is closed")
	ErrUnknownEncoding    = sterrors.New("courier: unknown encoding")
	ErrNotSupported       = sterrors.New("courier: operation not supported by transport")
	ErrJobTimeout         = sterrors.New("courier: background job timed out")
	ErrUnknownJobType     = sterrors.New("courier: unknown job type")
	ErrUnknownJobMethod   = sterrors.New("courier: unknown job method")
	ErrNoReply            = sterrors.New("courier: reply subscription closed before a reply arrived")
)

// ConfigValidationError wraps the joined errors reported by Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("courier: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// RequestValidationError is returned by the public API when a request lacks a
// required option. It is raised before any transport interaction.
type RequestValidationError struct {
	Operation string
	Missing   []string
	causes    []error
}

// MissingOption names an absent request option and the sentinel that
// errors.Is should match for it.
type MissingOption struct {
	Name string
	Err  error
}

// NewRequestValidationError builds a validation error for operation.
func NewRequestValidationError(operation string, missing ...MissingOption) *RequestValidationError {
	e := &RequestValidationError{Operation: operation}
	for _, m := range missing {
		e.Missing = append(e.Missing, m.Name)
		if m.Err != nil {
			e.causes = append(e.causes, m.Err)
		}
	}
	return e
}

func (e *RequestValidationError) Error() string {
	return fmt.Sprintf("courier: %s: options must contain %s", e.Operation, strings.Join(e.Missing, ", "))
}

// Is reports ErrInvalidRequest for every validation error.
func (e *RequestValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

func (e *RequestValidationError) Unwrap() []error {
	return e.causes
}

// HandlerError is returned from a subscription loop when the caller's handler
// failed. The loop stops so a supervisor can decide whether to resubscribe.
type HandlerError struct {
	Address string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("courier: handler failed for %s: %v", e.Address, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
