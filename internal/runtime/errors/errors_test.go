package errors

import (
	"errors"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrServiceRequired", ErrServiceRequired, "courier: service is required"},
		{"ErrMessageRequired", ErrMessageRequired, "courier: message type is required"},
		{"ErrEventRequired", ErrEventRequired, "courier: event type is required"},
		{"ErrHandlerRequired", ErrHandlerRequired, "courier: handler function is required"},
		{"ErrClientClosed", ErrClientClosed, "courier: client is closed"},
		{"ErrConfigRequired", ErrConfigRequired, "courier: configuration is required"},
		{"ErrJobTimeout", ErrJobTimeout, "courier: background job timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("kafka: brokers are required")
	err := ConfigValidationError{Err: inner}

	want := "courier: invalid configuration: kafka: brokers are required"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, inner) {
		t.Error("expected errors.Is to match the wrapped error")
	}
}

func TestRequestValidationError(t *testing.T) {
	err := NewRequestValidationError("publish_message",
		MissingOption{Name: "service", Err: ErrServiceRequired},
		MissingOption{Name: "message", Err: ErrMessageRequired},
	)

	if got, want := err.Error(), "courier: publish_message: options must contain service, message"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrInvalidRequest) {
		t.Error("expected validation error to match ErrInvalidRequest")
	}
	if !errors.Is(err, ErrServiceRequired) || !errors.Is(err, ErrMessageRequired) {
		t.Error("expected validation error to match each missing option sentinel")
	}
	if errors.Is(err, ErrEventRequired) {
		t.Error("did not expect validation error to match ErrEventRequired")
	}

	var target *RequestValidationError
	if !errors.As(err, &target) || target.Operation != "publish_message" {
		t.Fatalf("expected errors.As to expose the operation, got %#v", target)
	}
}

func TestHandlerError(t *testing.T) {
	cause := errors.New("boom")
	err := &HandlerError{Address: "queue/orders.none", Err: cause}

	if got, want := err.Error(), "courier: handler failed for queue/orders.none: boom"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Error("expected HandlerError to unwrap to the cause")
	}
}
