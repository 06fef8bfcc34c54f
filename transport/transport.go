// Package transport defines the backend-neutral contract courier builds on.
// Each backend (kafka, rabbitmq, nats, aws, ...) lives in its own sub-package
// and registers a Builder with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Role is the delivery semantic a publisher or consumer is created for.
type Role string

const (
	// RoleQueue delivers each message to exactly one member of a group.
	RoleQueue Role = "queue"
	// RoleTopic delivers a copy of each message to every group.
	RoleTopic Role = "topic"
)

// Start offsets for newly created consumer groups.
const (
	OffsetEarliest = "earliest"
	OffsetLatest   = "latest"
)

// ConsumerOptions describes the consumer a backend should build. Backends
// ignore the options they cannot express.
type ConsumerOptions struct {
	Role    Role
	Address string
	// GroupID identifies the consumer group. Members sharing a GroupID split
	// the messages of an address between them.
	GroupID string
	// Durable groups keep their position while no member is connected.
	Durable bool
	// AutoAck reports whether the client acknowledges on the caller's behalf.
	AutoAck        bool
	StartOffset    string
	SessionTimeout time.Duration
	MaxBatchBytes  int32
}

// Transport is the capability set a backend hands to the client. Publishers
// and subscribers are created on demand so the client controls their
// lifecycle per role and per consumer group.
type Transport struct {
	Name string

	NewPublisher  func(ctx context.Context, role Role) (message.Publisher, error)
	NewSubscriber func(ctx context.Context, opts ConsumerOptions) (message.Subscriber, error)

	// Topics lists the broker topics. Nil when the backend cannot list them.
	Topics func(ctx context.Context) ([]string, error)

	// Close releases connections shared by the publishers and subscribers.
	// Nil when there is nothing to release.
	Close func() error
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that it registers.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// Transports read only the keys they need without depending on the full
// config package.
type Config interface {
	// GetProtocol returns the transport name.
	GetProtocol() string
	// GetClientRef identifies the client towards the broker.
	GetClientRef() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaSASLMechanism() string
	GetKafkaUsername() string
	GetKafkaPassword() string
	GetKafkaTLS() bool

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string
	GetNATSStreamName() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
