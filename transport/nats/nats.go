// Package nats provides a NATS Core transport for courier.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport. Core NATS keeps no state for absent
// consumers, so every subscriber only sees messages published while it is
// connected.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: URL is required")
	}
	options := connectOptions(cfg.GetClientRef())

	return transport.Transport{
		Name: TransportName,
		NewPublisher: func(ctx context.Context, role transport.Role) (message.Publisher, error) {
			pub, err := PublisherFactory(PublisherConfig(url, options), logger)
			if err != nil {
				return nil, fmt.Errorf("nats: create publisher: %w", err)
			}
			return transport.MapPublisher(pub, SubjectName), nil
		},
		NewSubscriber: func(ctx context.Context, opts transport.ConsumerOptions) (message.Subscriber, error) {
			sub, err := SubscriberFactory(SubscriberConfig(url, options, opts), logger)
			if err != nil {
				return nil, fmt.Errorf("nats: create subscriber: %w", err)
			}
			return transport.MapSubscriber(sub, SubjectName), nil
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// SubjectName maps a courier address onto a NATS subject.
func SubjectName(address string) string {
	return transport.DottedName(address)
}

// PublisherConfig returns the watermill publisher settings with JetStream off.
func PublisherConfig(url string, options []nc.Option) nats.PublisherConfig {
	return nats.PublisherConfig{
		URL:         url,
		NatsOptions: options,
		Marshaler:   &nats.NATSMarshaler{},
		JetStream:   nats.JetStreamConfig{Disabled: true},
	}
}

// SubscriberConfig returns the watermill subscriber settings for opts.
// Members of one group share a NATS queue group; ephemeral topic consumers
// subscribe plainly so each of them receives every message.
func SubscriberConfig(url string, options []nc.Option, opts transport.ConsumerOptions) nats.SubscriberConfig {
	queueGroup := opts.GroupID
	if opts.Role == transport.RoleTopic && !opts.Durable {
		queueGroup = ""
	}
	return nats.SubscriberConfig{
		URL:               url,
		NatsOptions:       options,
		Unmarshaler:       &nats.NATSMarshaler{},
		QueueGroupPrefix:  queueGroup,
		SubjectCalculator: queueGroupCalculator,
		SubscribersCount:  1,
		AckWaitTimeout:    30 * time.Second,
		CloseTimeout:      30 * time.Second,
		SubscribeTimeout:  30 * time.Second,
		JetStream:         nats.JetStreamConfig{Disabled: true},
	}
}

func queueGroupCalculator(queueGroup, subject string) *nats.SubjectDetail {
	return &nats.SubjectDetail{
		Primary:    subject,
		QueueGroup: queueGroup,
	}
}

func connectOptions(clientRef string) []nc.Option {
	options := []nc.Option{
		nc.RetryOnFailedConnect(true),
		nc.MaxReconnects(-1),
	}
	if clientRef != "" {
		options = append(options, nc.Name(clientRef))
	}
	return options
}
