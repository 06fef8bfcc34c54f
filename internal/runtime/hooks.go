package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

// DeliveryContext describes one delivery to hooks.
type DeliveryContext struct {
	Role        transport.Role
	Address     string
	MessageID   string
	MessageType string
	// Headers holds every envelope header, reserved keys included.
	Headers   metadatapkg.Metadata
	Context   context.Context
	StartedAt time.Time
	// Duration is only set for OnDone and OnError.
	Duration time.Duration
}

// DeliveryHooks are called around every handler invocation. All hooks are
// optional.
type DeliveryHooks struct {
	OnStart func(ctx DeliveryContext)
	OnDone  func(ctx DeliveryContext)
	OnError func(ctx DeliveryContext, err error)
}

// Merge returns hooks calling h first and other second.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnStart: chainHooks(h.OnStart, other.OnStart),
		OnDone:  chainHooks(h.OnDone, other.OnDone),
		OnError: chainErrorHooks(h.OnError, other.OnError),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h DeliveryHooks) start(ctx DeliveryContext) {
	if h.OnStart != nil {
		h.OnStart(ctx)
	}
}

func (h DeliveryHooks) finish(ctx DeliveryContext, err error) {
	ctx.Duration = time.Since(ctx.StartedAt)
	if err != nil {
		if h.OnError != nil {
			h.OnError(ctx, err)
		}
		return
	}
	if h.OnDone != nil {
		h.OnDone(ctx)
	}
}

// LoggingHooks logs the start and outcome of every delivery at debug level.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	fields := func(ctx DeliveryContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"role":         ctx.Role,
			"address":      ctx.Address,
			"message_id":   ctx.MessageID,
			"message_type": ctx.MessageType,
		}
	}
	return DeliveryHooks{
		OnStart: func(ctx DeliveryContext) {
			logger.Debug("Delivery started", fields(ctx))
		},
		OnDone: func(ctx DeliveryContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Delivery completed", f)
		},
		OnError: func(ctx DeliveryContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Debug("Delivery failed", f)
		},
	}
}
