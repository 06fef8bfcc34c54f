// Package kafka provides a Kafka transport for courier built on
// watermill-kafka and IBM/sarama.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// ClientFactory allows overriding the admin client used to list topics.
var ClientFactory = func(brokers []string, cfg *sarama.Config) (TopicsClient, error) {
	return sarama.NewClient(brokers, cfg)
}

// TopicsClient is the subset of sarama.Client used for topic listing.
type TopicsClient interface {
	Topics() ([]string, error)
	Close() error
}

func init() {
	Register()
}

// Register adds the kafka transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: brokers are required")
	}
	if _, err := newSaramaConfig(cfg, kafka.DefaultSaramaSyncPublisherConfig()); err != nil {
		return transport.Transport{}, err
	}

	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	return transport.Transport{
		Name: TransportName,
		NewPublisher: func(ctx context.Context, role transport.Role) (message.Publisher, error) {
			saramaCfg, err := newSaramaConfig(cfg, kafka.DefaultSaramaSyncPublisherConfig())
			if err != nil {
				return nil, err
			}
			pub, err := PublisherFactory(kafka.PublisherConfig{
				Brokers:               brokers,
				Marshaler:             marshaler,
				OverwriteSaramaConfig: saramaCfg,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("kafka: create publisher: %w", err)
			}
			return transport.ClassifyPublisher(transport.MapPublisher(pub, TopicName), IsTopicNotReady), nil
		},
		NewSubscriber: func(ctx context.Context, opts transport.ConsumerOptions) (message.Subscriber, error) {
			saramaCfg, err := SubscriberSaramaConfig(cfg, opts)
			if err != nil {
				return nil, err
			}
			sub, err := SubscriberFactory(kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           marshaler,
				OverwriteSaramaConfig: saramaCfg,
				ConsumerGroup:         ConsumerGroup(opts),
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("kafka: create subscriber: %w", err)
			}
			return transport.ClassifySubscriber(transport.MapSubscriber(sub, TopicName), IsTopicNotReady), nil
		},
		Topics: func(ctx context.Context) ([]string, error) {
			saramaCfg, err := newSaramaConfig(cfg, sarama.NewConfig())
			if err != nil {
				return nil, err
			}
			client, err := ClientFactory(brokers, saramaCfg)
			if err != nil {
				return nil, fmt.Errorf("kafka: connect: %w", err)
			}
			defer client.Close()
			return client.Topics()
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}

// TopicName maps a courier address onto a Kafka topic name.
func TopicName(address string) string {
	return transport.DottedName(address)
}

// PartitionKey keys messages by their group-name hint, falling back to the
// topic so every message of one address lands on one partition in order.
func PartitionKey(topic string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(transport.HeaderGroupName); key != "" {
		return key, nil
	}
	return topic, nil
}

// ConsumerGroup returns the sarama consumer group for opts. Ephemeral topic
// consumers read without a group so each of them sees every message.
func ConsumerGroup(opts transport.ConsumerOptions) string {
	if opts.Role == transport.RoleTopic && !opts.Durable {
		return ""
	}
	return opts.GroupID
}

// SubscriberSaramaConfig derives the sarama consumer settings for opts.
func SubscriberSaramaConfig(cfg transport.Config, opts transport.ConsumerOptions) (*sarama.Config, error) {
	saramaCfg, err := newSaramaConfig(cfg, kafka.DefaultSaramaSubscriberConfig())
	if err != nil {
		return nil, err
	}

	switch opts.StartOffset {
	case transport.OffsetLatest:
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	default:
		saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	if opts.SessionTimeout > 0 {
		saramaCfg.Consumer.Group.Session.Timeout = opts.SessionTimeout
		saramaCfg.Consumer.Group.Heartbeat.Interval = opts.SessionTimeout / 3
	}
	if opts.MaxBatchBytes > 0 {
		saramaCfg.Consumer.Fetch.Max = opts.MaxBatchBytes
	}
	return saramaCfg, nil
}

func newSaramaConfig(cfg transport.Config, base *sarama.Config) (*sarama.Config, error) {
	if ref := cfg.GetClientRef(); ref != "" {
		base.ClientID = ref
	}
	if cfg.GetKafkaTLS() {
		base.Net.TLS.Enable = true
	}
	if user := cfg.GetKafkaUsername(); user != "" {
		mechanism := strings.ToUpper(cfg.GetKafkaSASLMechanism())
		if mechanism != "" && mechanism != sarama.SASLTypePlaintext {
			return nil, fmt.Errorf("kafka: unsupported SASL mechanism %q", cfg.GetKafkaSASLMechanism())
		}
		base.Net.SASL.Enable = true
		base.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		base.Net.SASL.User = user
		base.Net.SASL.Password = cfg.GetKafkaPassword()
	}
	return base, nil
}

// IsTopicNotReady reports whether err signals a missing topic or partition.
func IsTopicNotReady(err error) bool {
	return errors.Is(err, sarama.ErrUnknownTopicOrPartition)
}
