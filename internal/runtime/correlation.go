package runtime

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	addresspkg "github.com/drblury/courier/internal/runtime/address"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	readinesspkg "github.com/drblury/courier/internal/runtime/readiness"
	"github.com/drblury/courier/transport"
)

// ResponseHandler receives the single reply of a request.
type ResponseHandler func(ctx context.Context, reply *ReceivedMessage) error

// PublishMessageWithResponse sends req as a request and blocks until its
// reply arrived and handler returned, ctx is done or Config.ResponseTimeout
// elapsed. The reply travels on a private queue derived from a fresh
// correlation id. Closing the client ends the wait with ErrClientClosed.
func (c *Client) PublishMessageWithResponse(ctx context.Context, req PublishRequest, handler ResponseHandler) error {
	if err := req.validateMessage("publish_message"); err != nil {
		return err
	}
	if handler == nil {
		return validationError("publish_message", []errspkg.MissingOption{
			{Name: "response handler", Err: errspkg.ErrHandlerRequired},
		})
	}
	if c.closed.Load() {
		return errspkg.ErrClientClosed
	}

	if c.Conf.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Conf.ResponseTimeout)
		defer cancel()
	}
	replyCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	correlationID := idspkg.NewCorrelationID()
	replyAddr := addresspkg.ResponseAddress(req.Service, correlationID)
	reply := subscription{
		role:    transport.RoleQueue,
		service: req.Service + ".response",
		address: replyAddr,
		groupID: c.Conf.QueueGroupPrefix + replyAddr,
	}

	sub, err := c.transport.NewSubscriber(replyCtx, transport.ConsumerOptions{
		Role:        transport.RoleQueue,
		Address:     replyAddr,
		GroupID:     reply.groupID,
		AutoAck:     true,
		StartOffset: transport.OffsetEarliest,
	})
	if err != nil {
		return fmt.Errorf("create reply consumer: %w", err)
	}
	if err := c.trackReply(correlationID, &replyConsumer{address: replyAddr, cancel: cancel, sub: sub}); err != nil {
		return err
	}
	defer func() {
		if err := c.releaseReply(correlationID); err != nil {
			c.Logger.Error("Failed to close reply consumer", err, loggingpkg.LogFields{"address": replyAddr})
		}
	}()

	// Subscribe before publishing so the reply cannot be missed. Backends
	// that only create the reply queue on first publish are subscribed once
	// the request is out.
	replies, err := sub.Subscribe(replyCtx, replyAddr)
	if err != nil && !transport.IsNotReady(err) {
		return c.replyError(replyAddr, "subscribe to", err)
	}

	addr, msg, err := c.queueMessage(req, correlationID)
	if err != nil {
		return err
	}
	if err := c.send(replyCtx, transport.RoleQueue, addr, req.Message, req.WaitForTopic, msg); err != nil {
		if c.closed.Load() {
			return errspkg.ErrClientClosed
		}
		return err
	}

	if replies == nil {
		replies, err = readinesspkg.Do(replyCtx, c.readinessPolicy(true, "subscribe", replyAddr), func() (<-chan *message.Message, error) {
			return sub.Subscribe(replyCtx, replyAddr)
		})
		if err != nil {
			return c.replyError(replyAddr, "subscribe to", err)
		}
	}

	select {
	case <-replyCtx.Done():
		return c.replyError(replyAddr, "await reply on", replyCtx.Err())
	case msg, ok := <-replies:
		if !ok {
			if err := replyCtx.Err(); err != nil {
				return c.replyError(replyAddr, "await reply on", err)
			}
			if c.closed.Load() {
				return errspkg.ErrClientClosed
			}
			return errspkg.ErrNoReply
		}
		c.metrics.received.WithLabelValues(string(reply.role)).Inc()
		c.ack(reply.role, msg, replyAddr)
		return handler(ctx, c.receive(reply, msg))
	}
}

// replyConsumer is the private consumer of one pending request.
type replyConsumer struct {
	address string
	cancel  context.CancelFunc
	sub     message.Subscriber
}

func (rc *replyConsumer) stop() error {
	rc.cancel()
	return closeSubscriber(rc.sub)
}

func (c *Client) trackReply(correlationID string, rc *replyConsumer) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed.Load() {
		_ = rc.stop()
		return errspkg.ErrClientClosed
	}
	c.replies[correlationID] = rc
	return nil
}

// releaseReply stops the reply consumer unless Close already did.
func (c *Client) releaseReply(correlationID string) error {
	c.closeMu.Lock()
	rc, ok := c.replies[correlationID]
	delete(c.replies, correlationID)
	c.closeMu.Unlock()
	if !ok {
		return nil
	}
	return rc.stop()
}

// replyError reports ErrClientClosed when Close cut the request short.
func (c *Client) replyError(replyAddr, operation string, err error) error {
	if c.closed.Load() {
		return errspkg.ErrClientClosed
	}
	return fmt.Errorf("%s %s: %w", operation, replyAddr, err)
}

// respond publishes result to the reply queue of correlationID. Messages
// without a correlation id need no reply.
func (c *Client) respond(ctx context.Context, service, correlationID string, result any) error {
	if correlationID == "" {
		return nil
	}
	replyAddr := addresspkg.ResponseAddress(service, correlationID)
	headers := addresspkg.PublishHeaders(transport.RoleQueue, addresspkg.PublishOptions{})
	headers[addresspkg.HeaderCorrelationID] = correlationID

	msg, err := c.newMessage(headers, result)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	return c.send(ctx, transport.RoleQueue, replyAddr, "response", false, msg)
}
