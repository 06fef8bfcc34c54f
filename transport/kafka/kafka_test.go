package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/courier/transport"
	"github.com/drblury/courier/transport/transporttest"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsPartitioning)
	assert.True(t, caps.SupportsTopicListing)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	t.Run("requires brokers", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "brokers are required")
	})

	t.Run("rejects unsupported SASL mechanism", func(t *testing.T) {
		cfg := &transporttest.Config{
			KafkaBrokers:       []string{"localhost:9092"},
			KafkaUsername:      "svc",
			KafkaPassword:      "secret",
			KafkaSASLMechanism: "SCRAM-SHA-512",
		}
		_, err := Build(context.Background(), cfg, watermill.NopLogger{})
		assert.ErrorContains(t, err, "unsupported SASL mechanism")
	})

	t.Run("creates publisher per role with mapped topics", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		mockPub := &transporttest.Publisher{}
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			require.NotNil(t, cfg.OverwriteSaramaConfig)
			assert.Equal(t, "orders-service", cfg.OverwriteSaramaConfig.ClientID)
			return mockPub, nil
		}

		cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}, ClientRef: "orders-service"}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, TransportName, tr.Name)

		pub, err := tr.NewPublisher(context.Background(), transport.RoleQueue)
		require.NoError(t, err)
		require.NoError(t, pub.Publish("queue/orders.none", message.NewMessage("1", nil)))
		assert.Equal(t, []string{"queue.orders.none"}, mockPub.Topics)
	})

	t.Run("classifies unknown topic errors", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return &transporttest.Publisher{Err: fmt.Errorf("cannot produce message: %w", sarama.ErrUnknownTopicOrPartition)}, nil
		}

		tr, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, nil)
		require.NoError(t, err)
		pub, err := tr.NewPublisher(context.Background(), transport.RoleTopic)
		require.NoError(t, err)

		err = pub.Publish("topic/alerts", message.NewMessage("1", nil))
		assert.True(t, transport.IsNotReady(err))
	})

	t.Run("subscriber uses group and start offset", func(t *testing.T) {
		originalSubFactory := SubscriberFactory
		defer func() { SubscriberFactory = originalSubFactory }()

		mockSub := &transporttest.Subscriber{}
		var captured kafka.SubscriberConfig
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			captured = cfg
			return mockSub, nil
		}

		tr, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, nil)
		require.NoError(t, err)

		sub, err := tr.NewSubscriber(context.Background(), transport.ConsumerOptions{
			Role:           transport.RoleQueue,
			GroupID:        "courier_queue_group_queue/orders.none",
			Durable:        true,
			StartOffset:    transport.OffsetEarliest,
			SessionTimeout: 9 * time.Second,
			MaxBatchBytes:  4096,
		})
		require.NoError(t, err)

		assert.Equal(t, "courier_queue_group_queue/orders.none", captured.ConsumerGroup)
		assert.Equal(t, sarama.OffsetOldest, captured.OverwriteSaramaConfig.Consumer.Offsets.Initial)
		assert.Equal(t, 9*time.Second, captured.OverwriteSaramaConfig.Consumer.Group.Session.Timeout)
		assert.Equal(t, 3*time.Second, captured.OverwriteSaramaConfig.Consumer.Group.Heartbeat.Interval)
		assert.Equal(t, int32(4096), captured.OverwriteSaramaConfig.Consumer.Fetch.Max)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_, err = sub.Subscribe(ctx, "queue/orders.none")
		require.NoError(t, err)
		assert.Equal(t, []string{"queue.orders.none"}, mockSub.Topics)
	})

	t.Run("subscriber factory error", func(t *testing.T) {
		originalSubFactory := SubscriberFactory
		defer func() { SubscriberFactory = originalSubFactory }()

		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		tr, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, nil)
		require.NoError(t, err)
		_, err = tr.NewSubscriber(context.Background(), transport.ConsumerOptions{Role: transport.RoleQueue, GroupID: "g"})
		assert.ErrorContains(t, err, "subscriber error")
	})
}

func TestConsumerGroup(t *testing.T) {
	assert.Equal(t, "g", ConsumerGroup(transport.ConsumerOptions{Role: transport.RoleQueue, GroupID: "g"}))
	assert.Equal(t, "ref", ConsumerGroup(transport.ConsumerOptions{Role: transport.RoleTopic, GroupID: "ref", Durable: true}))
	assert.Empty(t, ConsumerGroup(transport.ConsumerOptions{Role: transport.RoleTopic, GroupID: "courier_topic_group_x"}))
}

func TestSubscriberSaramaConfigLatest(t *testing.T) {
	cfg, err := SubscriberSaramaConfig(&transporttest.Config{}, transport.ConsumerOptions{StartOffset: transport.OffsetLatest})
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetNewest, cfg.Consumer.Offsets.Initial)
}

func TestSaramaSecurity(t *testing.T) {
	cfg := &transporttest.Config{KafkaUsername: "svc", KafkaPassword: "secret", KafkaTLS: true}
	saramaCfg, err := SubscriberSaramaConfig(cfg, transport.ConsumerOptions{})
	require.NoError(t, err)

	assert.True(t, saramaCfg.Net.TLS.Enable)
	assert.True(t, saramaCfg.Net.SASL.Enable)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypePlaintext), saramaCfg.Net.SASL.Mechanism)
	assert.Equal(t, "svc", saramaCfg.Net.SASL.User)
	assert.Equal(t, "secret", saramaCfg.Net.SASL.Password)
}

func TestPartitionKey(t *testing.T) {
	msg := message.NewMessage("1", nil)
	key, err := PartitionKey("queue.orders.none", msg)
	require.NoError(t, err)
	assert.Equal(t, "queue.orders.none", key)

	msg.Metadata.Set(transport.HeaderGroupName, "customer-42")
	key, err = PartitionKey("queue.orders.none", msg)
	require.NoError(t, err)
	assert.Equal(t, "customer-42", key)
}

func TestTopics(t *testing.T) {
	originalClientFactory := ClientFactory
	defer func() { ClientFactory = originalClientFactory }()

	client := &mockTopicsClient{topics: []string{"queue.orders.none", "topic.alerts"}}
	ClientFactory = func(brokers []string, cfg *sarama.Config) (TopicsClient, error) {
		return client, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{KafkaBrokers: []string{"b:9092"}}, nil)
	require.NoError(t, err)

	topics, err := tr.Topics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"queue.orders.none", "topic.alerts"}, topics)
	assert.True(t, client.closed)
}

func TestIsTopicNotReady(t *testing.T) {
	assert.True(t, IsTopicNotReady(sarama.ErrUnknownTopicOrPartition))
	assert.True(t, IsTopicNotReady(fmt.Errorf("wrapped: %w", sarama.ErrUnknownTopicOrPartition)))
	assert.False(t, IsTopicNotReady(sarama.ErrOutOfBrokers))
}

type mockTopicsClient struct {
	topics []string
	closed bool
}

func (m *mockTopicsClient) Topics() ([]string, error) { return m.topics, nil }
func (m *mockTopicsClient) Close() error {
	m.closed = true
	return nil
}
