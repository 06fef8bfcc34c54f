// Package channel provides an in-memory Go channel transport for courier.
// Every subscriber receives every message of an address, so it suits tests
// and local development rather than fleets of competing consumers.
package channel

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register adds the channel transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(gochannel.Config{}, logger), nil
}

// New creates a channel transport. With cfg.Persistent set, subscribers that
// attach late receive every message published before they subscribed; clients
// sharing one transport then behave like peers on a broker.
func New(cfg gochannel.Config, logger watermill.LoggerAdapter) transport.Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pub, sub := Factory(cfg, logger)

	return transport.Transport{
		Name: TransportName,
		NewPublisher: func(ctx context.Context, role transport.Role) (message.Publisher, error) {
			return sharedPublisher{Publisher: pub}, nil
		},
		NewSubscriber: func(ctx context.Context, opts transport.ConsumerOptions) (message.Subscriber, error) {
			return &consumer{inner: sub, cancels: map[int]context.CancelFunc{}}, nil
		},
		Close: pub.Close,
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// sharedPublisher leaves the underlying channel open on Close.
type sharedPublisher struct {
	message.Publisher
}

func (sharedPublisher) Close() error { return nil }

// consumer scopes the shared pub/sub to the subscriptions it opened so
// closing one consumer leaves the others running.
type consumer struct {
	inner message.Subscriber

	mu      sync.Mutex
	next    int
	cancels map[int]context.CancelFunc
	closed  bool
}

func (c *consumer) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, transport.ErrAlreadyClosed
	}
	subCtx, cancel := context.WithCancel(ctx)
	id := c.next
	c.next++
	c.cancels[id] = cancel
	c.mu.Unlock()

	ch, err := c.inner.Subscribe(subCtx, topic)
	if err != nil {
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
		cancel()
		return nil, err
	}
	go func() {
		<-subCtx.Done()
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
	}()
	return ch, nil
}

// active returns the number of open subscriptions.
func (c *consumer) active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cancels)
}

func (c *consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrAlreadyClosed
	}
	c.closed = true
	for id, cancel := range c.cancels {
		cancel()
		delete(c.cancels, id)
	}
	return nil
}
