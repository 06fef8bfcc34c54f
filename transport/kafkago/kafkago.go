// Package kafkago provides a Kafka transport for courier built on
// segmentio/kafka-go. Offsets are committed explicitly when a message is
// acknowledged, so unacknowledged messages are redelivered to the next member
// of the consumer group after a rebalance.
package kafkago

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/drblury/courier/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka-go"

// UUIDHeaderKey carries the Watermill message UUID across the wire.
const UUIDHeaderKey = "_watermill_message_uuid"

const (
	defaultMaxBytes = 10_000_000
	defaultMaxWait  = 500 * time.Millisecond
	writeTimeout    = 30 * time.Second
	retrySleep      = time.Second
)

// Reader is the subset of *kafka.Reader used by the subscriber.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is the subset of *kafka.Writer used by the publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderFactory allows overriding the reader creation for testing.
var ReaderFactory = func(cfg kafka.ReaderConfig) Reader {
	return kafka.NewReader(cfg)
}

// WriterFactory allows overriding the writer creation for testing.
var WriterFactory = func(w *kafka.Writer) Writer {
	return w
}

func init() {
	Register()
}

// Register adds the kafka-go transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaGoCapabilities)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaGoCapabilities
}

// Build creates a new kafka-go transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	if len(brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: brokers are required")
	}
	mechanism, err := saslMechanism(cfg)
	if err != nil {
		return transport.Transport{}, err
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	var tlsConfig *tls.Config
	if cfg.GetKafkaTLS() {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return transport.Transport{
		Name: TransportName,
		NewPublisher: func(ctx context.Context, role transport.Role) (message.Publisher, error) {
			w := WriterFactory(&kafka.Writer{
				Addr:         kafka.TCP(brokers...),
				Balancer:     &kafka.Hash{},
				RequiredAcks: kafka.RequireAll,
				BatchTimeout: 10 * time.Millisecond,
				Transport: &kafka.Transport{
					ClientID: cfg.GetClientRef(),
					TLS:      tlsConfig,
					SASL:     mechanism,
				},
			})
			return &Publisher{writer: w, logger: logger}, nil
		},
		NewSubscriber: func(ctx context.Context, opts transport.ConsumerOptions) (message.Subscriber, error) {
			if opts.GroupID == "" {
				return nil, errors.New("kafka: consumer group is required")
			}
			dialer := &kafka.Dialer{
				ClientID:      cfg.GetClientRef(),
				Timeout:       10 * time.Second,
				DualStack:     true,
				TLS:           tlsConfig,
				SASLMechanism: mechanism,
			}
			return &Subscriber{
				readerConfig: func(topic string) kafka.ReaderConfig {
					return ReaderConfig(brokers, topic, opts, dialer)
				},
				logger: logger,
				closed: make(chan struct{}),
			}, nil
		},
	}, nil
}

// ReaderConfig derives the kafka-go reader settings for a consumer.
// CommitInterval stays zero so offsets are only committed on Ack.
func ReaderConfig(brokers []string, topic string, opts transport.ConsumerOptions, dialer *kafka.Dialer) kafka.ReaderConfig {
	startOffset := kafka.FirstOffset
	if opts.StartOffset == transport.OffsetLatest {
		startOffset = kafka.LastOffset
	}
	maxBytes := defaultMaxBytes
	if opts.MaxBatchBytes > 0 {
		maxBytes = int(opts.MaxBatchBytes)
	}

	cfg := kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        transport.SanitizeName(opts.GroupID, isGroupRune, '_'),
		Dialer:         dialer,
		StartOffset:    startOffset,
		MinBytes:       1,
		MaxBytes:       maxBytes,
		MaxWait:        defaultMaxWait,
		CommitInterval: 0,
	}
	if opts.SessionTimeout > 0 {
		cfg.SessionTimeout = opts.SessionTimeout
		cfg.HeartbeatInterval = opts.SessionTimeout / 3
	}
	return cfg
}

func isGroupRune(r rune) bool {
	return transport.IsIdentifierRune(r) || r == '.'
}

func saslMechanism(cfg transport.Config) (sasl.Mechanism, error) {
	user := cfg.GetKafkaUsername()
	if user == "" {
		return nil, nil
	}
	switch strings.ToUpper(cfg.GetKafkaSASLMechanism()) {
	case "", "PLAIN":
		return plain.Mechanism{Username: user, Password: cfg.GetKafkaPassword()}, nil
	default:
		return nil, fmt.Errorf("kafka: unsupported SASL mechanism %q", cfg.GetKafkaSASLMechanism())
	}
}

// TopicName maps a courier address onto a Kafka topic name.
func TopicName(address string) string {
	return transport.DottedName(address)
}

// IsTopicNotReady reports whether err signals a missing topic or partition.
func IsTopicNotReady(err error) bool {
	if errors.Is(err, kafka.UnknownTopicOrPartition) {
		return true
	}
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if errors.Is(e, kafka.UnknownTopicOrPartition) {
				return true
			}
		}
	}
	return false
}

// Publisher writes Watermill messages with kafka-go. A Publish call with
// several messages is written as one batch and returns once all of them are
// acknowledged by the brokers.
type Publisher struct {
	writer Writer
	logger watermill.LoggerAdapter
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	name := TopicName(topic)
	batch := make([]kafka.Message, 0, len(messages))
	for _, msg := range messages {
		batch = append(batch, toKafka(name, msg))
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := p.writer.WriteMessages(ctx, batch...); err != nil {
		if IsTopicNotReady(err) {
			return transport.NotReady(err)
		}
		return fmt.Errorf("kafka: write to %s: %w", name, err)
	}
	p.logger.Trace("Messages written", watermill.LogFields{"topic": name, "count": len(batch)})
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}

func toKafka(topic string, msg *message.Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Metadata)+1)
	headers = append(headers, kafka.Header{Key: UUIDHeaderKey, Value: []byte(msg.UUID)})
	for k, v := range msg.Metadata {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	key := msg.Metadata.Get(transport.HeaderGroupName)
	if key == "" {
		key = topic
	}
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(key),
		Value:   msg.Payload,
		Headers: headers,
	}
}

func fromKafka(km kafka.Message) *message.Message {
	var uuid string
	md := make(message.Metadata, len(km.Headers))
	for _, h := range km.Headers {
		if h.Key == UUIDHeaderKey {
			uuid = string(h.Value)
			continue
		}
		md.Set(h.Key, string(h.Value))
	}
	if uuid == "" {
		uuid = watermill.NewULID()
	}
	msg := message.NewMessage(uuid, km.Value)
	msg.Metadata = md
	return msg
}

// Subscriber reads one topic per Subscribe call through a kafka-go consumer
// group reader. A message is committed when acked and redelivered when nacked.
type Subscriber struct {
	readerConfig func(topic string) kafka.ReaderConfig
	logger       watermill.LoggerAdapter

	closeMu sync.Mutex
	closed  chan struct{}
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closed:
		return nil, transport.ErrAlreadyClosed
	default:
	}

	reader := ReaderFactory(s.readerConfig(TopicName(topic)))
	out := make(chan *message.Message)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-subCtx.Done():
		}
	}()
	go func() {
		defer close(out)
		defer cancel()
		defer reader.Close()
		s.consume(subCtx, reader, out, watermill.LogFields{"topic": TopicName(topic)})
	}()
	return out, nil
}

func (s *Subscriber) consume(ctx context.Context, reader Reader, out chan<- *message.Message, fields watermill.LogFields) {
	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("Fetch failed", err, fields)
			select {
			case <-time.After(retrySleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		if !s.deliver(ctx, reader, km, out, fields) {
			return
		}
	}
}

// deliver hands km to out until it is acked, redelivering on nack.
func (s *Subscriber) deliver(ctx context.Context, reader Reader, km kafka.Message, out chan<- *message.Message, fields watermill.LogFields) bool {
	for {
		msg := fromKafka(km)
		msg.SetContext(ctx)

		select {
		case out <- msg:
		case <-ctx.Done():
			return false
		}

		select {
		case <-msg.Acked():
			if err := reader.CommitMessages(ctx, km); err != nil {
				s.logger.Info("Commit failed, offset already expired or superseded", fields.Add(watermill.LogFields{
					"severity":  "warn",
					"partition": km.Partition,
					"offset":    km.Offset,
					"err":       err.Error(),
				}))
			}
			return true
		case <-msg.Nacked():
			s.logger.Debug("Message nacked, redelivering", fields)
			continue
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Subscriber) Close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	select {
	case <-s.closed:
		return transport.ErrAlreadyClosed
	default:
	}
	close(s.closed)
	return nil
}
