// Package jetstream provides a NATS JetStream transport for courier.
//
// Every address is a subject inside one stream. Consumer groups are durable
// pull consumers filtered on the address subject, so members of a group
// share deliveries and a durable group resumes where it left off.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is used when the config names no stream.
	DefaultStreamName = "COURIER"

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultMaxAge bounds how long the stream keeps messages.
	DefaultMaxAge = 7 * 24 * time.Hour

	// EphemeralInactiveThreshold removes ephemeral consumers whose client
	// vanished without closing them.
	EphemeralInactiveThreshold = 5 * time.Minute

	fetchWait = time.Second
)

// Client is the subset of nats.JetStreamContext used by the transport.
type Client interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	DeleteConsumer(stream, consumer string, opts ...nats.JSOpt) error
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
	Pull(subject, stream, consumer string) (Fetcher, error)
}

// Fetcher pulls messages for one bound consumer.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

type jsClient struct {
	nats.JetStreamContext
}

func (c jsClient) Pull(subject, stream, consumer string) (Fetcher, error) {
	return c.PullSubscribe(subject, consumer, nats.Bind(stream, consumer))
}

// Connect allows overriding the connection creation for testing. The
// returned func closes the connection.
var Connect = func(url string, options ...nats.Option) (Client, func(), error) {
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, nil, err
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return jsClient{js}, conn.Close, nil
}

// Settlement hooks, swapped in tests where messages are not bound to a
// live subscription.
var (
	ackMessage = func(m *nats.Msg) error { return m.Ack() }
	nakMessage = func(m *nats.Msg, delay time.Duration) error {
		if delay > 0 {
			return m.NakWithDelay(delay)
		}
		return m.Nak()
	}
	now = time.Now
)

func init() {
	Register()
}

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build connects to NATS, makes sure the stream exists and returns the transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	if url == "" {
		return transport.Transport{}, errors.New("nats: URL is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	stream := cfg.GetNATSStreamName()
	if stream == "" {
		stream = DefaultStreamName
	}

	var options []nats.Option
	if ref := cfg.GetClientRef(); ref != "" {
		options = append(options, nats.Name(ref))
	}
	js, closeConn, err := Connect(url, options...)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("nats: connect: %w", err)
	}
	if err := ensureStream(js, stream); err != nil {
		closeConn()
		return transport.Transport{}, fmt.Errorf("nats: ensure stream %s: %w", stream, err)
	}

	return transport.Transport{
		Name: TransportName,
		NewPublisher: func(ctx context.Context, role transport.Role) (message.Publisher, error) {
			return transport.ClassifyPublisher(&publisher{js: js, stream: stream}, IsTopicNotReady), nil
		},
		NewSubscriber: func(ctx context.Context, opts transport.ConsumerOptions) (message.Subscriber, error) {
			return transport.ClassifySubscriber(newSubscriber(js, stream, opts, logger), IsTopicNotReady), nil
		},
		Topics: func(ctx context.Context) ([]string, error) {
			return listSubjects(js, stream)
		},
		Close: func() error {
			closeConn()
			return nil
		},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// StreamConfig returns the stream holding every courier subject.
func StreamConfig(stream string) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      stream,
		Subjects:  []string{stream + ".>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    DefaultMaxAge,
		Replicas:  1,
	}
}

func ensureStream(js Client, stream string) error {
	cfg := StreamConfig(stream)
	_, err := js.AddStream(cfg)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = js.UpdateStream(cfg)
	}
	return err
}

func listSubjects(js Client, stream string) ([]string, error) {
	info, err := js.StreamInfo(stream, &nats.StreamInfoRequest{SubjectsFilter: ">"})
	if err != nil {
		return nil, fmt.Errorf("nats: stream info: %w", err)
	}
	prefix := stream + "."
	subjects := make([]string, 0, len(info.State.Subjects))
	for subject := range info.State.Subjects {
		subjects = append(subjects, strings.TrimPrefix(subject, prefix))
	}
	sort.Strings(subjects)
	return subjects, nil
}

// Subject maps a courier address onto a subject of stream.
func Subject(stream, address string) string {
	return stream + "." + transport.DottedName(address)
}

// ConsumerName returns the durable consumer for a group reading address.
// Queue groups already embed the address; topic groups may span several
// addresses and get one consumer per address.
func ConsumerName(opts transport.ConsumerOptions, address string) string {
	name := opts.GroupID
	if opts.Role == transport.RoleTopic {
		name += "_" + address
	}
	return transport.SanitizeName(name, transport.IsIdentifierRune, '_')
}

// ConsumerConfig returns the pull consumer settings for a group on address.
func ConsumerConfig(stream, address string, opts transport.ConsumerOptions) *nats.ConsumerConfig {
	ackWait := DefaultAckWait
	if opts.SessionTimeout > 0 {
		ackWait = opts.SessionTimeout
	}
	cfg := &nats.ConsumerConfig{
		Durable:       ConsumerName(opts, address),
		FilterSubject: Subject(stream, address),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxAckPending: 1,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if opts.StartOffset == transport.OffsetLatest {
		cfg.DeliverPolicy = nats.DeliverNewPolicy
	}
	if ephemeral(opts) {
		cfg.InactiveThreshold = EphemeralInactiveThreshold
	}
	return cfg
}

func ephemeral(opts transport.ConsumerOptions) bool {
	return opts.Role == transport.RoleTopic && !opts.Durable
}

// IsTopicNotReady reports whether err signals a missing stream or consumer.
func IsTopicNotReady(err error) bool {
	return errors.Is(err, nats.ErrStreamNotFound) ||
		errors.Is(err, nats.ErrConsumerNotFound) ||
		errors.Is(err, nats.ErrNoResponders)
}

type publisher struct {
	js     Client
	stream string

	mu     sync.RWMutex
	closed bool
}

func (p *publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errors.New("nats: publisher is closed")
	}

	subject := Subject(p.stream, topic)
	for _, msg := range messages {
		header := nats.Header{}
		for k, v := range msg.Metadata {
			header.Set(k, v)
		}
		header.Set(nats.MsgIdHdr, msg.UUID)

		if _, err := p.js.PublishMsg(&nats.Msg{Subject: subject, Data: msg.Payload, Header: header}); err != nil {
			return fmt.Errorf("nats: publish to %s: %w", subject, err)
		}
	}
	return nil
}

func (p *publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return transport.ErrAlreadyClosed
	}
	p.closed = true
	return nil
}

type subscriber struct {
	js     Client
	stream string
	opts   transport.ConsumerOptions
	logger watermill.LoggerAdapter

	mu        sync.Mutex
	fetchers  []Fetcher
	consumers []string
	closed    chan struct{}
	isClosed  bool
	wg        sync.WaitGroup
}

func newSubscriber(js Client, stream string, opts transport.ConsumerOptions, logger watermill.LoggerAdapter) *subscriber {
	return &subscriber{
		js:     js,
		stream: stream,
		opts:   opts,
		logger: logger,
		closed: make(chan struct{}),
	}
}

func (s *subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed {
		return nil, transport.ErrAlreadyClosed
	}

	cfg := ConsumerConfig(s.stream, topic, s.opts)
	if _, err := s.js.AddConsumer(s.stream, cfg); err != nil {
		return nil, fmt.Errorf("nats: add consumer %s: %w", cfg.Durable, err)
	}
	fetcher, err := s.js.Pull(cfg.FilterSubject, s.stream, cfg.Durable)
	if err != nil {
		return nil, fmt.Errorf("nats: pull subscribe %s: %w", cfg.Durable, err)
	}
	s.fetchers = append(s.fetchers, fetcher)
	if ephemeral(s.opts) {
		s.consumers = append(s.consumers, cfg.Durable)
	}

	output := make(chan *message.Message)
	logFields := watermill.LogFields{"topic": topic, "consumer": cfg.Durable}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(output)
		s.consume(ctx, fetcher, output, logFields)
	}()
	return output, nil
}

func (s *subscriber) consume(ctx context.Context, fetcher Fetcher, output chan<- *message.Message, logFields watermill.LogFields) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		default:
		}

		msgs, err := fetcher.Fetch(1, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if s.stopped(ctx) {
				return
			}
			s.logger.Error("Failed to fetch messages", err, logFields)
			select {
			case <-time.After(fetchWait):
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			}
			continue
		}

		for _, natsMsg := range msgs {
			if !s.deliver(ctx, natsMsg, output, logFields) {
				return
			}
		}
	}
}

// deliver hands one message to output and settles it. It returns false when
// the subscription stops.
func (s *subscriber) deliver(ctx context.Context, natsMsg *nats.Msg, output chan<- *message.Message, logFields watermill.LogFields) bool {
	current := now().UnixMilli()
	if expires, ok := headerMillis(natsMsg.Header, transport.HeaderExpires); ok && expires <= current {
		s.logger.Debug("Dropping expired message", logFields)
		s.settle(ackMessage(natsMsg), "ack", logFields)
		return true
	}
	if deliverAt, ok := headerMillis(natsMsg.Header, transport.HeaderScheduledTime); ok && deliverAt > current {
		s.settle(nakMessage(natsMsg, time.Duration(deliverAt-current)*time.Millisecond), "nak", logFields)
		return true
	}

	msg := toMessage(natsMsg)
	select {
	case output <- msg:
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}

	select {
	case <-msg.Acked():
		s.settle(ackMessage(natsMsg), "ack", logFields)
	case <-msg.Nacked():
		s.settle(nakMessage(natsMsg, 0), "nak", logFields)
	case <-ctx.Done():
		return false
	case <-s.closed:
		return false
	}
	return true
}

func (s *subscriber) settle(err error, action string, logFields watermill.LogFields) {
	if err != nil {
		s.logger.Error("Failed to "+action+" message", err, logFields)
	}
}

func (s *subscriber) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *subscriber) Close() error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return transport.ErrAlreadyClosed
	}
	s.isClosed = true
	close(s.closed)
	fetchers, consumers := s.fetchers, s.consumers
	s.fetchers, s.consumers = nil, nil
	s.mu.Unlock()

	s.wg.Wait()

	var errs []error
	for _, f := range fetchers {
		if err := f.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			errs = append(errs, err)
		}
	}
	for _, name := range consumers {
		if err := s.js.DeleteConsumer(s.stream, name); err != nil && !errors.Is(err, nats.ErrConsumerNotFound) {
			errs = append(errs, fmt.Errorf("nats: delete consumer %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func toMessage(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(nats.MsgIdHdr)
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == nats.MsgIdHdr || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

func headerMillis(header nats.Header, key string) (int64, bool) {
	raw := header.Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
