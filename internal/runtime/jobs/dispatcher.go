// Package jobs turns job descriptors into method invocations against a
// registry of job types.
package jobs

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/internal/runtime/logging"
)

// DefaultTimeout bounds a job whose descriptor sets no timeout.
const DefaultTimeout = 600 * time.Second

// Descriptor names a job: a method on a type, optionally on one instance.
type Descriptor struct {
	ClassName  string `json:"class_name" yaml:"class_name"`
	MethodName string `json:"method_name" yaml:"method_name"`
	InstanceID any    `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`
	Args       []any  `json:"args,omitempty" yaml:"args,omitempty"`
	// Timeout in seconds; zero uses the dispatcher default.
	Timeout  int         `json:"msg_timeout,omitempty" yaml:"msg_timeout,omitempty"`
	Callback *Descriptor `json:"miq_callback,omitempty" yaml:"miq_callback,omitempty"`
}

// RecoveryHook is invoked after a job timed out, for example to reconnect a
// pooled connection the job may have left in a bad state.
type RecoveryHook func(ctx context.Context) error

// Dispatcher runs job descriptors.
type Dispatcher struct {
	Registry       Registry
	DefaultTimeout time.Duration
	Recover        RecoveryHook
	Logger         logging.ServiceLogger
}

// Dispatch runs desc and, once it succeeded, its callback chain. It returns
// the result of desc itself. A timeout yields errors.ErrJobTimeout.
func (d *Dispatcher) Dispatch(ctx context.Context, desc Descriptor) (any, error) {
	if desc.ClassName == "" {
		return nil, errors.ErrClassNameRequired
	}
	if desc.MethodName == "" {
		return nil, errors.ErrMethodNameRequired
	}
	if d.Registry == nil {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownJobType, desc.ClassName)
	}

	target, err := d.Registry.Resolve(desc.ClassName)
	if err != nil {
		return nil, err
	}
	if desc.InstanceID != nil {
		target, err = d.Registry.Load(ctx, target, desc.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("load %s %v: %w", desc.ClassName, desc.InstanceID, err)
		}
	}

	result, err := d.invoke(ctx, target, desc)
	if err != nil {
		return nil, err
	}

	if desc.Callback != nil {
		if _, err := d.Dispatch(ctx, *desc.Callback); err != nil {
			return result, fmt.Errorf("callback %s.%s: %w", desc.Callback.ClassName, desc.Callback.MethodName, err)
		}
	}
	return result, nil
}

type outcome struct {
	result any
	err    error
}

func (d *Dispatcher) invoke(ctx context.Context, target Target, desc Descriptor) (any, error) {
	timeout := d.timeout(desc)
	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		result, err := d.Registry.Invoke(jobCtx, target, desc.MethodName, desc.Args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err == nil || jobCtx.Err() == nil {
			return out.result, out.err
		}
	case <-jobCtx.Done():
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fields := logging.LogFields{
		"class_name":  desc.ClassName,
		"method_name": desc.MethodName,
		"timeout":     timeout.String(),
	}
	d.logger().Warn("Background job timed out", fields)
	if d.Recover != nil {
		if err := d.Recover(ctx); err != nil {
			d.logger().Error("Recovery after job timeout failed", err, fields)
		}
	}
	return nil, errors.ErrJobTimeout
}

func (d *Dispatcher) timeout(desc Descriptor) time.Duration {
	if desc.Timeout > 0 {
		return time.Duration(desc.Timeout) * time.Second
	}
	if d.DefaultTimeout > 0 {
		return d.DefaultTimeout
	}
	return DefaultTimeout
}

func (d *Dispatcher) logger() logging.ServiceLogger {
	if d.Logger == nil {
		return logging.NewNopServiceLogger()
	}
	return d.Logger
}

// IsTimeout reports whether err is a job timeout.
func IsTimeout(err error) bool {
	return stderrors.Is(err, errors.ErrJobTimeout)
}
