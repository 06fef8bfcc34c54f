package runtime

import (
	"math"
	"time"

	addresspkg "github.com/drblury/courier/internal/runtime/address"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	jobspkg "github.com/drblury/courier/internal/runtime/jobs"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
)

// PublishRequest describes one message or event to send.
type PublishRequest struct {
	Service  string
	Affinity string
	// Message is the message type of a queue send.
	Message string
	// Event is the event type of a topic send.
	Event     string
	ClassName string
	Payload   any
	Sender    string
	// Headers are caller data. Reserved keys are dropped.
	Headers metadatapkg.Metadata

	ExpiresAt time.Time
	DeliverAt time.Time
	Priority  *int
	// GroupName is a partition-affinity hint.
	GroupName string

	// WaitForTopic retries the publish while the target is not provisioned.
	WaitForTopic bool
}

// SubscribeRequest describes a subscription.
type SubscribeRequest struct {
	Service  string
	Affinity string
	// PersistRef names a durable topic subscription. Members sharing a
	// PersistRef split the events between them and catch up after being
	// offline. Without it the subscriber only sees events while connected.
	PersistRef string
	// ManualAck leaves acknowledgment to the caller through
	// ReceivedMessage.Ack. Backends differ in how long an ack may wait: the
	// kafka transport holds the next delivery of a partition until the
	// current message is acked, so acking across messages stalls there.
	// Unacked messages are released for redelivery when the consumer ends.
	ManualAck      bool
	SessionTimeout time.Duration
	MaxBatchBytes  int32

	// WaitForTopic retries the subscribe while the source is not provisioned.
	WaitForTopic bool
}

// JobRequest describes a background job to enqueue.
type JobRequest struct {
	Service    string
	Affinity   string
	ClassName  string
	MethodName string
	InstanceID any
	Args       []any
	Callback   *jobspkg.Descriptor
	// Timeout overrides the worker's default job timeout. It is sent with
	// second precision.
	Timeout time.Duration
	Sender  string
	Headers metadatapkg.Metadata

	WaitForTopic bool
}

func (r PublishRequest) options() addresspkg.PublishOptions {
	return addresspkg.PublishOptions{
		ExpiresAt: r.ExpiresAt,
		DeliverAt: r.DeliverAt,
		Priority:  r.Priority,
		GroupName: r.GroupName,
	}
}

func (r PublishRequest) validateMessage(operation string) error {
	var missing []errspkg.MissingOption
	if r.Service == "" {
		missing = append(missing, errspkg.MissingOption{Name: "service", Err: errspkg.ErrServiceRequired})
	}
	if r.Message == "" {
		missing = append(missing, errspkg.MissingOption{Name: "message", Err: errspkg.ErrMessageRequired})
	}
	return validationError(operation, missing)
}

func (r PublishRequest) validateEvent(operation string) error {
	var missing []errspkg.MissingOption
	if r.Service == "" {
		missing = append(missing, errspkg.MissingOption{Name: "service", Err: errspkg.ErrServiceRequired})
	}
	if r.Event == "" {
		missing = append(missing, errspkg.MissingOption{Name: "event", Err: errspkg.ErrEventRequired})
	}
	return validationError(operation, missing)
}

func (r SubscribeRequest) validate(operation string, handlerSet bool) error {
	var missing []errspkg.MissingOption
	if r.Service == "" {
		missing = append(missing, errspkg.MissingOption{Name: "service", Err: errspkg.ErrServiceRequired})
	}
	if !handlerSet {
		missing = append(missing, errspkg.MissingOption{Name: "handler", Err: errspkg.ErrHandlerRequired})
	}
	return validationError(operation, missing)
}

func (r JobRequest) validate(operation string) error {
	var missing []errspkg.MissingOption
	if r.Service == "" {
		missing = append(missing, errspkg.MissingOption{Name: "service", Err: errspkg.ErrServiceRequired})
	}
	if r.ClassName == "" {
		missing = append(missing, errspkg.MissingOption{Name: "class_name", Err: errspkg.ErrClassNameRequired})
	}
	if r.MethodName == "" {
		missing = append(missing, errspkg.MissingOption{Name: "method_name", Err: errspkg.ErrMethodNameRequired})
	}
	return validationError(operation, missing)
}

func (r JobRequest) descriptor() jobspkg.Descriptor {
	return jobspkg.Descriptor{
		ClassName:  r.ClassName,
		MethodName: r.MethodName,
		InstanceID: r.InstanceID,
		Args:       r.Args,
		Timeout:    int(math.Ceil(r.Timeout.Seconds())),
		Callback:   r.Callback,
	}
}

func (r JobRequest) publishRequest() PublishRequest {
	return PublishRequest{
		Service:      r.Service,
		Affinity:     r.Affinity,
		Message:      r.MethodName,
		ClassName:    r.ClassName,
		Payload:      r.descriptor(),
		Sender:       r.Sender,
		Headers:      r.Headers,
		WaitForTopic: r.WaitForTopic,
	}
}

func validationError(operation string, missing []errspkg.MissingOption) error {
	if len(missing) == 0 {
		return nil
	}
	return errspkg.NewRequestValidationError(operation, missing...)
}
