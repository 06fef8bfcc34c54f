package transport

// Capabilities describes the features supported by a transport backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// SupportsDelay indicates the transport can honour a scheduled delivery time.
	SupportsDelay bool

	// SupportsExpiry indicates the transport drops messages past their expiry.
	SupportsExpiry bool

	// SupportsOrdering indicates the transport guarantees message ordering.
	// When true, messages within a partition/stream are delivered in order.
	SupportsOrdering bool

	// SupportsBatching indicates the transport can batch multiple messages.
	SupportsBatching bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsPriority indicates the transport supports message priority queues.
	SupportsPriority bool

	// SupportsPartitioning indicates group-name hints become partition keys.
	SupportsPartitioning bool

	// SupportsConsumerGroups indicates members of one group share an address.
	SupportsConsumerGroups bool

	// SupportsDurableSubscriptions indicates a topic group keeps its position
	// while all of its members are offline.
	SupportsDurableSubscriptions bool

	// SupportsTopicListing indicates Transport.Topics is available.
	SupportsTopicListing bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// RequiresDelayEmulation returns true if the transport needs application-level
// delay handling because it doesn't support native delayed delivery.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// SupportsSingleActiveConsumer reports whether queue groups guarantee that a
// message has one delivery target across the fleet.
func (c Capabilities) SupportsSingleActiveConsumer() bool {
	return c.SupportsConsumerGroups && c.SupportsAck
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities for Apache Kafka via sarama.
	KafkaCapabilities = Capabilities{
		Name:                         "kafka",
		SupportsOrdering:             true,
		SupportsBatching:             true,
		SupportsAck:                  true,
		SupportsPartitioning:         true,
		SupportsConsumerGroups:       true,
		SupportsDurableSubscriptions: true,
		SupportsTopicListing:         true,
		MaxMessageSize:               1048576, // Default 1MB
	}

	// KafkaGoCapabilities for Apache Kafka via segmentio/kafka-go.
	KafkaGoCapabilities = Capabilities{
		Name:                         "kafka-go",
		SupportsOrdering:             true,
		SupportsBatching:             true,
		SupportsAck:                  true,
		SupportsPartitioning:         true,
		SupportsConsumerGroups:       true,
		SupportsDurableSubscriptions: true,
		MaxMessageSize:               1048576,
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:                         "rabbitmq",
		SupportsDelay:                true,
		SupportsExpiry:               true,
		SupportsOrdering:             true,
		SupportsAck:                  true,
		SupportsNack:                 true,
		SupportsPriority:             true,
		SupportsConsumerGroups:       true,
		SupportsDurableSubscriptions: true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:                   "nats",
		SupportsConsumerGroups: true,
		MaxMessageSize:         1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:                         "nats-jetstream",
		SupportsDelay:                true,
		SupportsExpiry:               true,
		SupportsOrdering:             true,
		SupportsBatching:             true,
		SupportsAck:                  true,
		SupportsNack:                 true,
		SupportsConsumerGroups:       true,
		SupportsDurableSubscriptions: true,
		SupportsTopicListing:         true,
		MaxMessageSize:               1048576, // Default 1MB
	}

	// AWSCapabilities for AWS SNS/SQS transport.
	AWSCapabilities = Capabilities{
		Name:                         "aws",
		SupportsBatching:             true,
		SupportsAck:                  true,
		SupportsNack:                 true,
		SupportsConsumerGroups:       true,
		SupportsDurableSubscriptions: true,
		SupportsTopicListing:         true,
		MaxMessageSize:               262144, // 256KB
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Uses the registry to look up capabilities registered by each transport package.
// Returns a zero Capabilities struct if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
