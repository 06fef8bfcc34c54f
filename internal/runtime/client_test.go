package runtime

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	"github.com/drblury/courier/transport"
	"github.com/drblury/courier/transport/transporttest"
)

func TestOpenErrors(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := Open(context.Background(), nil, nil, ClientDependencies{})
		assert.ErrorIs(t, err, errspkg.ErrConfigRequired)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := Open(context.Background(), &configpkg.Config{Protocol: "kafka"}, nil, ClientDependencies{})
		var cfgErr errspkg.ConfigValidationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, err.Error(), "brokers are required")
	})

	t.Run("incomplete transport", func(t *testing.T) {
		_, err := Open(context.Background(), testConfig(), nil, ClientDependencies{Transport: &transport.Transport{Name: "broken"}})
		assert.ErrorIs(t, err, errspkg.ErrTransportRequired)
	})

	t.Run("unknown protocol", func(t *testing.T) {
		_, err := Open(context.Background(), &configpkg.Config{Protocol: "carrier-pigeon"}, nil, ClientDependencies{Registry: transport.NewRegistry()})
		assert.ErrorContains(t, err, "carrier-pigeon")
	})
}

func TestOpenAppliesDefaults(t *testing.T) {
	c := openClient(t, &configpkg.Config{Protocol: "channel"}, ClientDependencies{Transport: newChannelTransport()})

	assert.Equal(t, "channel", c.Protocol())
	assert.Equal(t, configpkg.DefaultEncoding, c.Conf.Encoding)
	assert.Equal(t, configpkg.DefaultJobTimeout, c.Conf.JobTimeout)
	assert.True(t, strings.HasPrefix(c.topicGroup, configpkg.DefaultTopicGroupPrefix))
}

func TestValidationMakesNoTransportCalls(t *testing.T) {
	rec := newRecordingTransport()
	c := openClient(t, testConfig(), ClientDependencies{Transport: rec.transport()})
	ctx := context.Background()

	noop := func(context.Context, *ReceivedMessage) (any, error) { return nil, nil }
	noopEvent := func(context.Context, *ReceivedMessage) error { return nil }

	tests := []struct {
		name    string
		call    func() error
		missing error
	}{
		{"publish without service", func() error { return c.PublishMessage(ctx, PublishRequest{Message: "create"}) }, errspkg.ErrServiceRequired},
		{"publish without message", func() error { return c.PublishMessage(ctx, PublishRequest{Service: "orders"}) }, errspkg.ErrMessageRequired},
		{"topic without event", func() error { return c.PublishTopic(ctx, PublishRequest{Service: "alerts"}) }, errspkg.ErrEventRequired},
		{"job without class", func() error {
			return c.PublishJob(ctx, JobRequest{Service: "mailer", MethodName: "deliver"})
		}, errspkg.ErrClassNameRequired},
		{"job without method", func() error {
			return c.PublishJob(ctx, JobRequest{Service: "mailer", ClassName: "Mailer"})
		}, errspkg.ErrMethodNameRequired},
		{"subscribe without handler", func() error {
			return c.SubscribeMessages(ctx, SubscribeRequest{Service: "orders"}, nil)
		}, errspkg.ErrHandlerRequired},
		{"subscribe without service", func() error { return c.SubscribeMessages(ctx, SubscribeRequest{}, noop) }, errspkg.ErrServiceRequired},
		{"topic subscribe without service", func() error { return c.SubscribeTopic(ctx, SubscribeRequest{}, noopEvent) }, errspkg.ErrServiceRequired},
		{"job subscribe without service", func() error { return c.SubscribeBackgroundJob(ctx, SubscribeRequest{}) }, errspkg.ErrServiceRequired},
		{"request without handler", func() error {
			return c.PublishMessageWithResponse(ctx, PublishRequest{Service: "orders", Message: "create"}, nil)
		}, errspkg.ErrHandlerRequired},
		{"batch with one bad request", func() error {
			return c.PublishMessages(ctx, []PublishRequest{{Service: "orders", Message: "create"}, {Service: "orders"}})
		}, errspkg.ErrMessageRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.ErrorIs(t, err, errspkg.ErrInvalidRequest)
			assert.ErrorIs(t, err, tt.missing)
		})
	}

	publishers, subscribers := rec.calls()
	assert.Zero(t, publishers)
	assert.Zero(t, subscribers)
}

func TestPublishMessageEnvelope(t *testing.T) {
	rec := newRecordingTransport()
	c := openClient(t, testConfig(), ClientDependencies{Transport: rec.transport()})
	priority := 7

	err := c.PublishMessage(context.Background(), PublishRequest{
		Service:  "orders",
		Affinity: "eu",
		Message:  "create",
		Sender:   "billing",
		Payload:  map[string]any{"id": "42"},
		Priority: &priority,
		Headers: map[string]string{
			"tenant":       "acme",
			"message_type": "spoofed",
		},
	})
	require.NoError(t, err)

	require.Equal(t, []string{"queue/orders.eu"}, rec.publisher.Topics)
	msg := rec.publisher.Messages[0]
	assert.Equal(t, "create", msg.Metadata.Get("message_type"))
	assert.Equal(t, "billing", msg.Metadata.Get("sender"))
	assert.Equal(t, "acme", msg.Metadata.Get("tenant"))
	assert.Equal(t, "json", msg.Metadata.Get("encoding"))
	assert.Equal(t, "7", msg.Metadata.Get(transport.HeaderPriority))
	assert.JSONEq(t, `{"id":"42"}`, string(msg.Payload))
	assert.NotEmpty(t, msg.UUID)

	assert.Equal(t, float64(1), counterValue(t, c.metrics.published, "queue"))
}

func TestPublishMessagesGroupsByAddress(t *testing.T) {
	rec := newRecordingTransport()
	c := openClient(t, testConfig(), ClientDependencies{Transport: rec.transport()})

	err := c.PublishMessages(context.Background(), []PublishRequest{
		{Service: "orders", Affinity: "eu", Message: "create", Payload: "a"},
		{Service: "billing", Message: "charge", Payload: "b"},
		{Service: "orders", Affinity: "eu", Message: "update", Payload: "c"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"queue/orders.eu", "queue/billing.none"}, rec.publisher.Topics)
	require.Len(t, rec.publisher.Messages, 3)
	assert.Equal(t, "a", string(rec.publisher.Messages[0].Payload))
	assert.Equal(t, "c", string(rec.publisher.Messages[1].Payload))
	assert.Equal(t, "b", string(rec.publisher.Messages[2].Payload))

	publishers, _ := rec.calls()
	assert.Equal(t, 1, publishers, "publisher is shared per role")
}

func TestPublishTopicHeaders(t *testing.T) {
	rec := newRecordingTransport()
	c := openClient(t, testConfig(), ClientDependencies{Transport: rec.transport()})

	require.NoError(t, c.PublishTopic(context.Background(), PublishRequest{Service: "alerts", Event: "disk_full", Payload: "sda1"}))

	require.Equal(t, []string{"topic/alerts"}, rec.publisher.Topics)
	msg := rec.publisher.Messages[0]
	assert.Equal(t, "disk_full", msg.Metadata.Get("event_type"))
	assert.Empty(t, msg.Metadata.Get("message_type"))
	assert.Empty(t, msg.Metadata.Get("encoding"), "strings are sent raw")
	assert.Equal(t, float64(1), counterValue(t, c.metrics.published, "topic"))
}

func TestPublishWaitsForTopic(t *testing.T) {
	flaky := &flakyPublisher{failures: 2}
	tr := &transport.Transport{
		Name: "flaky",
		NewPublisher: func(ctx context.Context, role transport.Role) (message.Publisher, error) {
			return flaky, nil
		},
		NewSubscriber: newRecordingTransport().transport().NewSubscriber,
	}
	c := openClient(t, testConfig(), ClientDependencies{Transport: tr})

	err := c.PublishMessage(context.Background(), PublishRequest{Service: "orders", Message: "create"})
	assert.ErrorIs(t, err, transport.ErrTopicNotReady, "without waiting the first failure is returned")

	err = c.PublishMessage(context.Background(), PublishRequest{Service: "orders", Message: "create", WaitForTopic: true})
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
	assert.Equal(t, float64(1), counterValue(t, c.metrics.readinessRetries, "publish"))
}

func TestPublisherCircuitBreaker(t *testing.T) {
	rec := newRecordingTransport()
	rec.publisher.Err = errors.New("broker down")
	conf := testConfig()
	conf.BreakerFailureThreshold = 2
	conf.BreakerOpenTimeout = time.Minute
	c := openClient(t, conf, ClientDependencies{Transport: rec.transport()})

	req := PublishRequest{Service: "orders", Message: "create"}
	for i := 0; i < 2; i++ {
		assert.ErrorContains(t, c.PublishMessage(context.Background(), req), "broker down")
	}
	err := c.PublishMessage(context.Background(), req)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, rec.publisher.Calls(), "open breaker skips the broker")

	pub, err := c.publisher(context.Background(), transport.RoleQueue)
	require.NoError(t, err)
	assert.Equal(t, gobreaker.StateOpen, pub.state())
}

func TestConsumerGroupLifecycle(t *testing.T) {
	rec := newRecordingTransport()
	closedBeforeRebuild := -1
	rec.beforeBuild = func(built []*transporttest.Subscriber) {
		if len(built) == 1 {
			closedBeforeRebuild = built[0].CloseCount()
		}
	}
	c := openClient(t, testConfig(), ClientDependencies{Transport: rec.transport()})
	handler := func(context.Context, *ReceivedMessage) error { return nil }

	subscribe := func(persistRef string) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := c.SubscribeTopic(ctx, SubscribeRequest{Service: "alerts", PersistRef: persistRef}, handler)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}

	subscribe("audit")
	subscribe("audit")
	_, built := rec.calls()
	assert.Equal(t, 1, built, "same group reuses the consumer")
	opts := rec.consumerOptions(0)
	assert.Equal(t, "audit", opts.GroupID)
	assert.True(t, opts.Durable)
	assert.Equal(t, configpkg.OffsetEarliest, opts.StartOffset)

	subscribe("")
	_, built = rec.calls()
	assert.Equal(t, 2, built, "group change rebuilds the consumer")
	assert.Equal(t, 1, closedBeforeRebuild, "old consumer closed before the new one is built")
	assert.Equal(t, 1, rec.subscriber(0).CloseCount())
	opts = rec.consumerOptions(1)
	assert.Equal(t, c.topicGroup, opts.GroupID)
	assert.False(t, opts.Durable)
	assert.Equal(t, configpkg.OffsetLatest, opts.StartOffset)
	assert.Equal(t, float64(1), counterValue(t, c.metrics.consumerRebuilds, "topic"))
	group, ok := c.groups.groupID(transport.RoleTopic)
	require.True(t, ok)
	assert.Equal(t, c.topicGroup, group)

	subscribeQueue := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := c.SubscribeMessages(ctx, SubscribeRequest{Service: "orders", Affinity: "eu"}, func(context.Context, *ReceivedMessage) (any, error) { return nil, nil })
		require.ErrorIs(t, err, context.DeadlineExceeded)
	}
	subscribeQueue()
	subscribeQueue()
	_, built = rec.calls()
	assert.Equal(t, 3, built, "same queue group reuses the consumer")
	assert.Zero(t, rec.subscriber(2).CloseCount())
	assert.Equal(t, []string{"queue/orders.eu", "queue/orders.eu"}, rec.subscriber(2).Topics)
	assert.Zero(t, rec.subscriber(1).CloseCount(), "queue consumer leaves the topic consumer alone")
	opts = rec.consumerOptions(2)
	assert.Equal(t, "courier_queue_group_queue/orders.eu", opts.GroupID)
	assert.True(t, opts.Durable)
	assert.True(t, opts.AutoAck)

	require.NoError(t, c.Close())
	assert.Equal(t, 1, rec.subscriber(1).CloseCount())
	assert.Equal(t, 1, rec.subscriber(2).CloseCount())
}

func TestTopics(t *testing.T) {
	t.Run("not supported", func(t *testing.T) {
		c := openClient(t, testConfig(), ClientDependencies{Transport: newChannelTransport()})
		_, err := c.Topics(context.Background())
		assert.ErrorIs(t, err, errspkg.ErrNotSupported)
	})

	t.Run("listed by transport", func(t *testing.T) {
		rec := newRecordingTransport()
		rec.topics = []string{"queue-orders-none", "topic-alerts"}
		c := openClient(t, testConfig(), ClientDependencies{Transport: rec.transport()})
		topics, err := c.Topics(context.Background())
		require.NoError(t, err)
		assert.Equal(t, rec.topics, topics)
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	c := openClient(t, testConfig(), ClientDependencies{Transport: newChannelTransport()})

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	ctx := context.Background()
	assert.ErrorIs(t, c.PublishMessage(ctx, PublishRequest{Service: "orders", Message: "create"}), errspkg.ErrClientClosed)
	assert.ErrorIs(t, c.SubscribeTopic(ctx, SubscribeRequest{Service: "alerts"}, func(context.Context, *ReceivedMessage) error { return nil }), errspkg.ErrClientClosed)
	_, err := c.Topics(ctx)
	assert.ErrorIs(t, err, errspkg.ErrClientClosed)
	assert.ErrorIs(t, c.Ack(AckRef{}), errspkg.ErrClientClosed)
}

func TestAckRejectsEmptyReference(t *testing.T) {
	c := openClient(t, testConfig(), ClientDependencies{Transport: newChannelTransport()})
	assert.ErrorIs(t, c.Ack(AckRef{}), errspkg.ErrInvalidRequest)
}

func TestMetricsHandler(t *testing.T) {
	rec := newRecordingTransport()
	c := openClient(t, testConfig(), ClientDependencies{Transport: rec.transport()})
	require.NoError(t, c.PublishMessage(context.Background(), PublishRequest{Service: "orders", Message: "create"}))

	rr := httptest.NewRecorder()
	c.MetricsHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `courier_client_published_total{role="queue"} 1`)
}

func TestWithClient(t *testing.T) {
	var seen *Client
	err := WithClient(context.Background(), testConfig(), nil, ClientDependencies{Transport: newChannelTransport()}, func(c *Client) error {
		seen = c
		return errors.New("work failed")
	})
	assert.ErrorContains(t, err, "work failed")
	require.NotNil(t, seen)
	assert.True(t, seen.closed.Load())
}
