package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
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

	assert.Contains(t, transport.DefaultRegistry.Names(), TransportName)
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
	assert.False(t, Capabilities().SupportsDurableSubscriptions)
}

func TestBuild(t *testing.T) {
	originalPub := PublisherFactory
	originalSub := SubscriberFactory
	defer func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	}()

	t.Run("requires url", func(t *testing.T) {
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "URL is required")
	})

	t.Run("maps addresses onto subjects", func(t *testing.T) {
		mockPub := &transporttest.Publisher{}
		mockSub := &transporttest.Subscriber{}
		var subCfg nats.SubscriberConfig
		PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.True(t, cfg.JetStream.Disabled)
			assert.Len(t, cfg.NatsOptions, 3)
			return mockPub, nil
		}
		SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			subCfg = cfg
			return mockSub, nil
		}

		tr, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://localhost:4222", ClientRef: "api"}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Nil(t, tr.Topics)

		pub, err := tr.NewPublisher(context.Background(), transport.RoleQueue)
		require.NoError(t, err)
		require.NoError(t, pub.Publish("queue/orders/eu", message.NewMessage("1", nil)))
		assert.Equal(t, []string{"queue.orders.eu"}, mockPub.Topics)

		sub, err := tr.NewSubscriber(context.Background(), transport.ConsumerOptions{Role: transport.RoleQueue, GroupID: "courier_queue_group_orders"})
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		_, err = sub.Subscribe(ctx, "queue/orders/eu")
		require.NoError(t, err)
		assert.Equal(t, []string{"queue.orders.eu"}, mockSub.Topics)
		assert.Equal(t, "courier_queue_group_orders", subCfg.QueueGroupPrefix)
	})

	t.Run("propagates factory errors", func(t *testing.T) {
		PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("no servers available")
		}

		tr, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://localhost:4222"}, watermill.NopLogger{})
		require.NoError(t, err)
		_, err = tr.NewPublisher(context.Background(), transport.RoleTopic)
		assert.ErrorContains(t, err, "no servers available")
	})
}

func TestSubscriberConfigQueueGroups(t *testing.T) {
	tests := []struct {
		name string
		opts transport.ConsumerOptions
		want string
	}{
		{"queue", transport.ConsumerOptions{Role: transport.RoleQueue, GroupID: "q"}, "q"},
		{"durable topic", transport.ConsumerOptions{Role: transport.RoleTopic, GroupID: "audit", Durable: true}, "audit"},
		{"ephemeral topic", transport.ConsumerOptions{Role: transport.RoleTopic, GroupID: "courier_topic_group_x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := SubscriberConfig("nats://localhost:4222", nil, tt.opts)
			assert.Equal(t, tt.want, cfg.QueueGroupPrefix)

			detail := cfg.SubjectCalculator(cfg.QueueGroupPrefix, "topic.alerts")
			assert.Equal(t, "topic.alerts", detail.Primary)
			assert.Equal(t, tt.want, detail.QueueGroup)
		})
	}
}
