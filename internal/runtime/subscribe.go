package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/trace"

	addresspkg "github.com/drblury/courier/internal/runtime/address"
	envelopepkg "github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	readinesspkg "github.com/drblury/courier/internal/runtime/readiness"
	"github.com/drblury/courier/transport"
)

// MessageHandler processes a queue message. When the message is a request
// awaiting a response, the returned value is sent back as the reply.
type MessageHandler func(ctx context.Context, msg *ReceivedMessage) (any, error)

// EventHandler processes a topic event.
type EventHandler func(ctx context.Context, msg *ReceivedMessage) error

type subscription struct {
	role      transport.Role
	service   string
	address   string
	groupID   string
	manualAck bool
	// ackOnReceipt settles the message before the handler runs.
	ackOnReceipt bool
}

// SubscribeMessages consumes the queue of req.Service and req.Affinity until
// ctx is done, the consumer is closed or handler fails. Every queue consumer
// of an address joins the same group, so each message reaches one of them.
func (c *Client) SubscribeMessages(ctx context.Context, req SubscribeRequest, handler MessageHandler) error {
	if err := req.validate("subscribe_messages", handler != nil); err != nil {
		return err
	}
	addr := addresspkg.QueueAddress(req.Service, req.Affinity)
	sub := subscription{
		role:      transport.RoleQueue,
		service:   req.Service,
		address:   addr,
		groupID:   c.Conf.QueueGroupPrefix + addr,
		manualAck: req.ManualAck,
	}
	return c.run(ctx, sub, req, func(ctx context.Context, received *ReceivedMessage) error {
		result, err := handler(ctx, received)
		if err != nil {
			return err
		}
		return c.respond(ctx, sub.service, received.CorrelationID, result)
	})
}

// SubscribeTopic consumes the events of req.Service until ctx is done, the
// consumer is closed or handler fails.
func (c *Client) SubscribeTopic(ctx context.Context, req SubscribeRequest, handler EventHandler) error {
	if err := req.validate("subscribe_topic", handler != nil); err != nil {
		return err
	}
	groupID := req.PersistRef
	if groupID == "" {
		groupID = c.topicGroup
	}
	sub := subscription{
		role:      transport.RoleTopic,
		service:   req.Service,
		address:   addresspkg.TopicAddress(req.Service),
		groupID:   groupID,
		manualAck: req.ManualAck,
	}
	return c.run(ctx, sub, req, func(ctx context.Context, received *ReceivedMessage) error {
		return handler(ctx, received)
	})
}

func (c *Client) run(ctx context.Context, sub subscription, req SubscribeRequest, process func(context.Context, *ReceivedMessage) error) error {
	if c.closed.Load() {
		return errspkg.ErrClientClosed
	}

	// Ending the loop ends the backend subscription so unsettled messages
	// are released for the next subscriber.
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages, err := c.open(subCtx, sub, req)
	if err != nil {
		return err
	}
	return c.consume(subCtx, sub, messages, process)
}

func (c *Client) open(ctx context.Context, sub subscription, req SubscribeRequest) (<-chan *message.Message, error) {
	opts := transport.ConsumerOptions{
		Role:           sub.role,
		Address:        sub.address,
		GroupID:        sub.groupID,
		Durable:        sub.role == transport.RoleQueue || req.PersistRef != "",
		AutoAck:        !sub.manualAck,
		StartOffset:    c.startOffset(sub.role, req.PersistRef),
		SessionTimeout: req.SessionTimeout,
		MaxBatchBytes:  req.MaxBatchBytes,
	}
	headers := addresspkg.SubscribeHeaders(sub.role, addresspkg.SubscribeOptions{
		ManualAck:  sub.manualAck,
		PersistRef: req.PersistRef,
	})
	c.Logger.Info("Subscribing", loggingpkg.LogFields{
		"address":      sub.address,
		"group":        sub.groupID,
		"start_offset": opts.StartOffset,
		"headers":      headers,
	})

	// The consumer outlives this call when a later subscribe reuses it.
	consumerCtx := context.WithoutCancel(ctx)
	return readinesspkg.Do(ctx, c.readinessPolicy(req.WaitForTopic, "subscribe", sub.address), func() (<-chan *message.Message, error) {
		consumer, err := c.groups.acquire(consumerCtx, opts)
		if err != nil {
			return nil, err
		}
		return consumer.Subscribe(ctx, sub.address)
	})
}

func (c *Client) startOffset(role transport.Role, persistRef string) string {
	switch {
	case role == transport.RoleQueue:
		return c.Conf.QueueStartOffset
	case persistRef != "":
		return c.Conf.DurableTopicStartOffset
	default:
		return c.Conf.TopicStartOffset
	}
}

// consume delivers messages one at a time. It returns ctx.Err() once ctx is
// done, nil when the consumer closed the channel and a *HandlerError when
// processing failed.
func (c *Client) consume(ctx context.Context, sub subscription, messages <-chan *message.Message, process func(context.Context, *ReceivedMessage) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				c.Logger.Info("Subscription closed", loggingpkg.LogFields{"address": sub.address})
				return nil
			}
			if err := c.deliver(ctx, sub, msg, process); err != nil {
				return err
			}
		}
	}
}

func (c *Client) deliver(ctx context.Context, sub subscription, msg *message.Message, process func(context.Context, *ReceivedMessage) error) error {
	c.metrics.received.WithLabelValues(string(sub.role)).Inc()
	received := c.receive(sub, msg)

	frameworkAcks := !sub.manualAck && !sub.ackOnReceipt
	if sub.ackOnReceipt {
		c.ack(sub.role, msg, sub.address)
	}

	spanCtx, span := c.startSpan(ctx, "courier.process", trace.SpanKindConsumer, sub.role, sub.address, received.MessageType)
	hookCtx := DeliveryContext{
		Role:        sub.role,
		Address:     sub.address,
		MessageID:   msg.UUID,
		MessageType: received.MessageType,
		Headers:     received.wire,
		Context:     spanCtx,
		StartedAt:   time.Now(),
	}
	c.hooks.start(hookCtx)
	err := process(spanCtx, received)
	c.hooks.finish(hookCtx, err)
	c.metrics.observeHandler(sub.role, hookCtx.StartedAt, err)
	endSpan(span, err)

	if err != nil {
		c.Logger.Error("Message processing failed", err, loggingpkg.LogFields{
			"address":      sub.address,
			"message_type": received.MessageType,
			"payload":      envelopepkg.Preview(msg.Payload),
			"headers":      received.wire,
		})
		if frameworkAcks {
			msg.Nack()
		}
		return &errspkg.HandlerError{Address: sub.address, Err: err}
	}

	c.Logger.Debug("Message processed", loggingpkg.LogFields{"address": sub.address})
	if frameworkAcks {
		c.ack(sub.role, msg, sub.address)
	}
	return nil
}

// receive decodes msg into the view handed to handlers.
func (c *Client) receive(sub subscription, msg *message.Message) *ReceivedMessage {
	headers := metadatapkg.FromWatermill(msg.Metadata)
	typeKey := addresspkg.HeaderMessageType
	if sub.role == transport.RoleTopic {
		typeKey = addresspkg.HeaderEventType
	}

	received := &ReceivedMessage{
		Sender:        headers[addresspkg.HeaderSender],
		MessageType:   headers[typeKey],
		ClassName:     headers[addresspkg.HeaderClassName],
		CorrelationID: headers[addresspkg.HeaderCorrelationID],
		Address:       sub.address,
		Payload:       c.codec.Decode(headers, msg.Payload),
		Headers:       addresspkg.ClientHeaders(headers),
		AckRef:        AckRef{msg: msg, address: sub.address, role: sub.role},
		client:        c,
		raw:           msg.Payload,
		wire:          headers,
	}
	c.Logger.Info("Message received", loggingpkg.LogFields{
		"address":      sub.address,
		"sender":       received.Sender,
		"message_type": received.MessageType,
		"payload":      envelopepkg.Preview(msg.Payload),
	})
	return received
}
