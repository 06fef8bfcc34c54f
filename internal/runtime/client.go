package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/courier/internal/runtime/config"
	envelopepkg "github.com/drblury/courier/internal/runtime/envelope"
	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	jobspkg "github.com/drblury/courier/internal/runtime/jobs"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	readinesspkg "github.com/drblury/courier/internal/runtime/readiness"
	"github.com/drblury/courier/transport"
)

// ClientDependencies holds the optional collaborators of a Client. Leave
// fields nil to use the defaults.
type ClientDependencies struct {
	// Transport is used instead of building one from Config.Protocol.
	Transport *transport.Transport
	// Registry resolves Config.Protocol. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry

	// JobRegistry resolves the job types run by SubscribeBackgroundJob.
	JobRegistry jobspkg.Registry
	// JobRecovery runs after a background job timed out.
	JobRecovery jobspkg.RecoveryHook

	// Registerer receives the client collectors when Config.MetricsEnabled
	// is set. Defaults to a registry private to the client.
	Registerer prometheus.Registerer
	// TracerProvider defaults to the global OpenTelemetry provider.
	TracerProvider trace.TracerProvider

	// Hooks run around every handler invocation.
	Hooks DeliveryHooks
}

// Client sends and receives messages over one transport.
type Client struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport  transport.Transport
	codec      *envelopepkg.Codec
	groups     *groupManager
	dispatcher *jobspkg.Dispatcher
	metrics    *clientMetrics
	gatherer   prometheus.Gatherer
	tracer     trace.Tracer
	hooks      DeliveryHooks

	// topicGroup is the consumer group of topic subscriptions without a
	// persist ref. It is unique to this client.
	topicGroup string

	publishersMu sync.Mutex
	publishers   map[transport.Role]*breakerPublisher

	closeMu sync.Mutex
	closed  atomic.Bool
	// replies holds the private consumers of requests awaiting a reply,
	// keyed by correlation id. Guarded by closeMu.
	replies map[string]*replyConsumer
}

// Open validates conf, builds the transport it selects and returns a client.
// Publishers and consumers are created on first use.
func Open(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) (*Client, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	cfg := conf.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	if log == nil {
		log = loggingpkg.NewNopServiceLogger()
	}
	log.Info("Opening messaging client", loggingpkg.LogFields{
		"protocol": cfg.Protocol,
		"config":   cfg.String(),
	})

	codec, err := envelopepkg.NewCodec(cfg.Encoding, log)
	if err != nil {
		return nil, err
	}

	tr, err := buildTransport(ctx, &cfg, log, deps)
	if err != nil {
		return nil, err
	}

	c := &Client{
		Conf:       &cfg,
		Logger:     log,
		transport:  tr,
		codec:      codec,
		metrics:    newClientMetrics(),
		tracer:     newTracer(deps.TracerProvider),
		hooks:      deps.Hooks,
		topicGroup: cfg.TopicGroupPrefix + idspkg.CreateULID(),
		publishers: make(map[transport.Role]*breakerPublisher),
		replies:    make(map[string]*replyConsumer),
	}
	c.groups = newGroupManager(tr.NewSubscriber, log)
	c.groups.onRebuild = func(role transport.Role) {
		c.metrics.consumerRebuilds.WithLabelValues(string(role)).Inc()
	}
	codec.OnDecodeFailure(func(encoding string) {
		c.metrics.decodeFailures.WithLabelValues(encoding).Inc()
	})
	c.dispatcher = &jobspkg.Dispatcher{
		Registry:       deps.JobRegistry,
		DefaultTimeout: cfg.JobTimeout,
		Recover:        deps.JobRecovery,
		Logger:         log,
	}

	if cfg.MetricsEnabled {
		registerer := deps.Registerer
		if registerer == nil {
			registry := prometheus.NewRegistry()
			registerer = registry
		}
		if err := c.metrics.register(registerer); err != nil {
			_ = c.closeTransport()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		if gatherer, ok := registerer.(prometheus.Gatherer); ok {
			c.gatherer = gatherer
		}
	}

	return c, nil
}

// MustOpen is Open that panics on error.
func MustOpen(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) *Client {
	c, err := Open(ctx, conf, log, deps)
	if err != nil {
		panic(err)
	}
	return c
}

func buildTransport(ctx context.Context, cfg *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) (transport.Transport, error) {
	if deps.Transport != nil {
		if deps.Transport.NewPublisher == nil || deps.Transport.NewSubscriber == nil {
			return transport.Transport{}, errspkg.ErrTransportRequired
		}
		return *deps.Transport, nil
	}
	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	tr, err := registry.Build(ctx, cfg, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return transport.Transport{}, fmt.Errorf("build %s transport: %w", cfg.Protocol, err)
	}
	return tr, nil
}

// Protocol returns the name of the transport in use.
func (c *Client) Protocol() string {
	return c.transport.Name
}

// publisher returns the shared publisher for role, creating it on first use.
func (c *Client) publisher(ctx context.Context, role transport.Role) (*breakerPublisher, error) {
	c.publishersMu.Lock()
	defer c.publishersMu.Unlock()

	if c.closed.Load() {
		return nil, errspkg.ErrClientClosed
	}
	if pub, ok := c.publishers[role]; ok {
		return pub, nil
	}

	pub, err := c.transport.NewPublisher(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("create %s publisher: %w", role, err)
	}
	wrapped := newBreakerPublisher(c.transport.Name+"-"+string(role), pub, c.Conf.BreakerFailureThreshold, c.Conf.BreakerOpenTimeout, c.Logger)
	c.publishers[role] = wrapped
	return wrapped, nil
}

func (c *Client) readinessPolicy(wait bool, operation, addr string) readinesspkg.Policy {
	return readinesspkg.Policy{
		Wait: wait,
		Unit: c.Conf.ReadinessUnit,
		Notify: func(attempt int, err error, next time.Duration) {
			c.metrics.readinessRetries.WithLabelValues(operation).Inc()
			c.Logger.Info("Waiting for topic to become available", loggingpkg.LogFields{
				"operation": operation,
				"address":   addr,
				"attempt":   attempt,
				"retry_in":  next.String(),
				"error":     err.Error(),
			})
		},
	}
}

// Ack acknowledges a message received by a ManualAck subscription. A
// rejected acknowledgment is logged and not returned.
func (c *Client) Ack(ref AckRef) error {
	if c.closed.Load() {
		return errspkg.ErrClientClosed
	}
	if ref.msg == nil {
		return fmt.Errorf("%w: empty ack reference", errspkg.ErrInvalidRequest)
	}
	c.ack(ref.role, ref.msg, ref.address)
	return nil
}

func (c *Client) ack(role transport.Role, msg *message.Message, addr string) {
	if !msg.Ack() {
		c.metrics.ackFailures.WithLabelValues(string(role)).Inc()
		c.Logger.Warn("Message could not be acknowledged", loggingpkg.LogFields{
			"address":    addr,
			"message_id": msg.UUID,
		})
		return
	}
	c.metrics.acked.WithLabelValues(string(role)).Inc()
}

// Topics lists the topics known to the broker.
func (c *Client) Topics(ctx context.Context) ([]string, error) {
	if c.closed.Load() {
		return nil, errspkg.ErrClientClosed
	}
	if c.transport.Topics == nil {
		return nil, fmt.Errorf("%w: %s cannot list topics", errspkg.ErrNotSupported, c.transport.Name)
	}
	return c.transport.Topics(ctx)
}

// MetricsHandler serves the client metrics in the Prometheus text format.
func (c *Client) MetricsHandler() http.Handler {
	return metricsHandler(c.gatherer)
}

// Close stops every consumer, closes the publishers and releases the
// transport. Requests still awaiting a reply return ErrClientClosed.
// Closing twice is a no-op.
func (c *Client) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	var errs []error
	if err := c.groups.close(); err != nil {
		errs = append(errs, fmt.Errorf("close consumers: %w", err))
	}
	for id, rc := range c.replies {
		delete(c.replies, id)
		if err := rc.stop(); err != nil {
			errs = append(errs, fmt.Errorf("close reply consumer %s: %w", rc.address, err))
		}
	}

	c.publishersMu.Lock()
	for role, pub := range c.publishers {
		if err := tolerateClosed(pub.Close()); err != nil {
			errs = append(errs, fmt.Errorf("close %s publisher: %w", role, err))
		}
		delete(c.publishers, role)
	}
	c.publishersMu.Unlock()

	if err := c.closeTransport(); err != nil {
		errs = append(errs, err)
	}

	c.Logger.Info("Messaging client closed", loggingpkg.LogFields{"protocol": c.transport.Name})
	return errors.Join(errs...)
}

func (c *Client) closeTransport() error {
	if c.transport.Close == nil {
		return nil
	}
	if err := tolerateClosed(c.transport.Close()); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

// WithClient opens a client, runs fn and closes the client again.
func WithClient(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies, fn func(*Client) error) (err error) {
	c, err := Open(ctx, conf, log, deps)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, c.Close())
	}()
	return fn(c)
}
