// Package rabbitmq provides a RabbitMQ/AMQP transport for courier.
//
// Queue addresses map onto durable queues shared by every consumer, topic
// addresses onto fanout exchanges with one queue per consumer group.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rabbitmq/amqp091-go"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// DelayHeader is read by the delayed-message exchange plugin.
const DelayHeader = "x-delay"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

var now = time.Now

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport sharing one connection between all
// publishers and consumers.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Transport{}, errors.New("rabbitmq: URL is required")
	}

	connCfg := amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}
	if ref := cfg.GetClientRef(); ref != "" {
		props := amqp091.NewConnectionProperties()
		props.SetClientConnectionName(ref)
		connCfg.AmqpConfig = &amqp091.Config{
			Properties: props,
			Heartbeat:  10 * time.Second,
			Locale:     "en_US",
		}
	}

	conn, err := ConnectionFactory(connCfg, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq: connect: %w", err)
	}

	return transport.Transport{
		Name: TransportName,
		NewPublisher: func(ctx context.Context, role transport.Role) (message.Publisher, error) {
			pub, err := PublisherFactory(PublisherConfig(url, role), logger, conn)
			if err != nil {
				return nil, fmt.Errorf("rabbitmq: create publisher: %w", err)
			}
			return transport.ClassifyPublisher(pub, IsTopicNotReady), nil
		},
		NewSubscriber: func(ctx context.Context, opts transport.ConsumerOptions) (message.Subscriber, error) {
			sub, err := SubscriberFactory(SubscriberConfig(url, opts), logger, conn)
			if err != nil {
				return nil, fmt.Errorf("rabbitmq: create subscriber: %w", err)
			}
			return transport.ClassifySubscriber(sub, IsTopicNotReady), nil
		},
		Close: conn.Close,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}

// PublisherConfig returns the AMQP topology used to publish for role.
func PublisherConfig(url string, role transport.Role) amqp.Config {
	var cfg amqp.Config
	if role == transport.RoleTopic {
		cfg = amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicName)
	} else {
		cfg = amqp.NewDurableQueueConfig(url)
	}
	cfg.Marshaler = Marshaler()
	return cfg
}

// SubscriberConfig returns the AMQP topology for a consumer. Queue consumers
// compete on the address queue; topic groups get their own queue bound to
// the address exchange, durable only when the group is.
func SubscriberConfig(url string, opts transport.ConsumerOptions) amqp.Config {
	var cfg amqp.Config
	switch {
	case opts.Role != transport.RoleTopic:
		cfg = amqp.NewDurableQueueConfig(url)
	case opts.Durable:
		cfg = amqp.NewDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(opts.GroupID))
	default:
		cfg = amqp.NewNonDurablePubSubConfig(url, amqp.GenerateQueueNameTopicNameWithSuffix(opts.GroupID))
	}
	cfg.Marshaler = Marshaler()
	cfg.Consume.Qos.PrefetchCount = 1
	return cfg
}

// Marshaler maps courier routing headers onto native AMQP properties.
func Marshaler() amqp.DefaultMarshaler {
	return amqp.DefaultMarshaler{PostprocessPublishing: postprocess}
}

func postprocess(p amqp091.Publishing) amqp091.Publishing {
	if expires, ok := headerInt(p.Headers, transport.HeaderExpires); ok {
		ttl := expires - now().UnixMilli()
		if ttl < 0 {
			ttl = 0
		}
		p.Expiration = strconv.FormatInt(ttl, 10)
	}
	if priority, ok := headerInt(p.Headers, transport.HeaderPriority); ok {
		p.Priority = clampPriority(priority)
	}
	if deliverAt, ok := headerInt(p.Headers, transport.HeaderScheduledTime); ok {
		if delay := deliverAt - now().UnixMilli(); delay > 0 {
			if p.Headers == nil {
				p.Headers = amqp091.Table{}
			}
			p.Headers[DelayHeader] = delay
		}
	}
	return p
}

func headerInt(headers amqp091.Table, key string) (int64, bool) {
	raw, ok := headers[key]
	if !ok {
		return 0, false
	}
	s, ok := raw.(string)
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func clampPriority(v int64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 9:
		return 9
	default:
		return uint8(v)
	}
}

// IsTopicNotReady reports whether err is a 404 channel exception raised for
// a missing queue or exchange.
func IsTopicNotReady(err error) bool {
	var amqpErr *amqp091.Error
	return errors.As(err, &amqpErr) && amqpErr.Code == amqp091.NotFound
}
