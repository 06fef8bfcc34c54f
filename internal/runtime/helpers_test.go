package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	"github.com/drblury/courier/transport"
	"github.com/drblury/courier/transport/channel"
	"github.com/drblury/courier/transport/transporttest"
)

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		Protocol:       "channel",
		Encoding:       "json",
		ReadinessUnit:  time.Millisecond,
		MetricsEnabled: true,
	}
}

// newChannelTransport returns an in-memory transport that replays earlier
// messages to late subscribers.
func newChannelTransport() *transport.Transport {
	tr := channel.New(gochannel.Config{Persistent: true}, nil)
	return &tr
}

func openClient(t *testing.T, conf *configpkg.Config, deps ClientDependencies) *Client {
	t.Helper()
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	c, err := Open(context.Background(), conf, nil, deps)
	if err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := vec.WithLabelValues(labels...).Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

// recordingTransport hands out transporttest doubles and counts how often
// the client asked for them.
type recordingTransport struct {
	mu          sync.Mutex
	publisher   *transporttest.Publisher
	subscribers []*transporttest.Subscriber
	options     []transport.ConsumerOptions
	publishers  int
	topics      []string
	// feed holds the messages the i-th subscriber delivers.
	feed map[int][]*message.Message
	// beforeBuild sees the subscribers built so far.
	beforeBuild func(built []*transporttest.Subscriber)
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{publisher: &transporttest.Publisher{}}
}

func (r *recordingTransport) transport() *transport.Transport {
	tr := transport.Transport{
		Name: "recording",
		NewPublisher: func(ctx context.Context, role transport.Role) (message.Publisher, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.publishers++
			return r.publisher, nil
		},
		NewSubscriber: func(ctx context.Context, opts transport.ConsumerOptions) (message.Subscriber, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.beforeBuild != nil {
				r.beforeBuild(r.subscribers)
			}
			sub := &transporttest.Subscriber{Pending: r.feed[len(r.subscribers)]}
			r.subscribers = append(r.subscribers, sub)
			r.options = append(r.options, opts)
			return sub, nil
		},
	}
	if r.topics != nil {
		tr.Topics = func(ctx context.Context) ([]string, error) {
			return r.topics, nil
		}
	}
	return &tr
}

func (r *recordingTransport) calls() (publishers, subscribers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.publishers, len(r.subscribers)
}

func (r *recordingTransport) subscriber(i int) *transporttest.Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subscribers[i]
}

func (r *recordingTransport) consumerOptions(i int) transport.ConsumerOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.options[i]
}

// flakyPublisher reports a missing topic for the first failures calls.
type flakyPublisher struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (p *flakyPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failures {
		return transport.ErrTopicNotReady
	}
	return nil
}

func (p *flakyPublisher) Close() error { return nil }
