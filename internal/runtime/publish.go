package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/trace"

	addresspkg "github.com/drblury/courier/internal/runtime/address"
	envelopepkg "github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	readinesspkg "github.com/drblury/courier/internal/runtime/readiness"
	"github.com/drblury/courier/transport"
)

// PublishMessage sends req to the queue of req.Service and req.Affinity.
func (c *Client) PublishMessage(ctx context.Context, req PublishRequest) error {
	if err := req.validateMessage("publish_message"); err != nil {
		return err
	}
	addr, msg, err := c.queueMessage(req, "")
	if err != nil {
		return err
	}
	return c.send(ctx, transport.RoleQueue, addr, req.Message, req.WaitForTopic, msg)
}

// PublishMessages sends a batch of queue messages. Every request is
// validated before anything is sent. Messages sharing an address go out in
// one transport call, and the call returns once all of them are confirmed.
func (c *Client) PublishMessages(ctx context.Context, reqs []PublishRequest) error {
	for i, req := range reqs {
		if err := req.validateMessage("publish_messages"); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}

	type batch struct {
		messages []*message.Message
		wait     bool
	}
	var order []string
	batches := make(map[string]*batch)
	for _, req := range reqs {
		addr, msg, err := c.queueMessage(req, "")
		if err != nil {
			return err
		}
		b, ok := batches[addr]
		if !ok {
			b = &batch{}
			batches[addr] = b
			order = append(order, addr)
		}
		b.messages = append(b.messages, msg)
		b.wait = b.wait || req.WaitForTopic
	}

	for _, addr := range order {
		b := batches[addr]
		if err := c.send(ctx, transport.RoleQueue, addr, "batch", b.wait, b.messages...); err != nil {
			return err
		}
	}
	return nil
}

// PublishTopic broadcasts req to every subscriber of req.Service.
func (c *Client) PublishTopic(ctx context.Context, req PublishRequest) error {
	if err := req.validateEvent("publish_topic"); err != nil {
		return err
	}
	addr := addresspkg.TopicAddress(req.Service)
	headers := envelopeHeaders(transport.RoleTopic, req)
	headers[addresspkg.HeaderEventType] = req.Event

	msg, err := c.newMessage(headers, req.Payload)
	if err != nil {
		return err
	}
	return c.send(ctx, transport.RoleTopic, addr, req.Event, req.WaitForTopic, msg)
}

// PublishJob enqueues a background job for the workers of req.Service.
func (c *Client) PublishJob(ctx context.Context, req JobRequest) error {
	if err := req.validate("publish_job"); err != nil {
		return err
	}
	pub := req.publishRequest()
	addr, msg, err := c.queueMessage(pub, "")
	if err != nil {
		return err
	}
	return c.send(ctx, transport.RoleQueue, addr, req.MethodName, req.WaitForTopic, msg)
}

func (c *Client) queueMessage(req PublishRequest, correlationID string) (string, *message.Message, error) {
	addr := addresspkg.QueueAddress(req.Service, req.Affinity)
	headers := envelopeHeaders(transport.RoleQueue, req)
	headers[addresspkg.HeaderMessageType] = req.Message
	if req.ClassName != "" {
		headers[addresspkg.HeaderClassName] = req.ClassName
	}
	if correlationID != "" {
		headers[addresspkg.HeaderCorrelationID] = correlationID
	}

	msg, err := c.newMessage(headers, req.Payload)
	if err != nil {
		return "", nil, err
	}
	return addr, msg, nil
}

// envelopeHeaders merges the caller headers with the routing headers of
// role. Caller headers never replace reserved keys.
func envelopeHeaders(role transport.Role, req PublishRequest) metadatapkg.Metadata {
	headers := addresspkg.ClientHeaders(req.Headers).WithAll(addresspkg.PublishHeaders(role, req.options()))
	if req.Sender != "" {
		headers[addresspkg.HeaderSender] = req.Sender
	}
	return headers
}

func (c *Client) newMessage(headers metadatapkg.Metadata, payload any) (*message.Message, error) {
	body, err := c.codec.Encode(headers, payload)
	if err != nil {
		return nil, err
	}
	msg := message.NewMessage(idspkg.CreateULID(), body)
	msg.Metadata = metadatapkg.ToWatermill(headers)
	return msg, nil
}

// send hands messages to the shared publisher of role.
func (c *Client) send(ctx context.Context, role transport.Role, addr, messageType string, wait bool, messages ...*message.Message) error {
	if c.closed.Load() {
		return errspkg.ErrClientClosed
	}
	pub, err := c.publisher(ctx, role)
	if err != nil {
		return err
	}

	spanCtx, span := c.startSpan(ctx, "courier.publish", trace.SpanKindProducer, role, addr, messageType)
	for _, msg := range messages {
		msg.SetContext(spanCtx)
	}
	_, err = readinesspkg.Do(ctx, c.readinessPolicy(wait, "publish", addr), func() (struct{}, error) {
		return struct{}{}, pub.Publish(addr, messages...)
	})
	endSpan(span, err)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", addr, err)
	}

	c.metrics.published.WithLabelValues(string(role)).Add(float64(len(messages)))
	for _, msg := range messages {
		c.Logger.Info("Published", loggingpkg.LogFields{
			"address":      addr,
			"message_id":   msg.UUID,
			"message_type": messageType,
			"payload":      envelopepkg.Preview(msg.Payload),
		})
	}
	return nil
}
