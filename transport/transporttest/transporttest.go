// Package transporttest provides configuration and pub/sub doubles for
// exercising transport backends without a broker.
package transporttest

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Config is a settable transport.Config.
type Config struct {
	Protocol           string
	ClientRef          string
	KafkaBrokers       []string
	KafkaSASLMechanism string
	KafkaUsername      string
	KafkaPassword      string
	KafkaTLS           bool
	RabbitMQURL        string
	NATSURL            string
	NATSStreamName     string
	AWSRegion          string
	AWSAccountID       string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSEndpoint        string
}

func (c *Config) GetProtocol() string           { return c.Protocol }
func (c *Config) GetClientRef() string          { return c.ClientRef }
func (c *Config) GetKafkaBrokers() []string     { return c.KafkaBrokers }
func (c *Config) GetKafkaSASLMechanism() string { return c.KafkaSASLMechanism }
func (c *Config) GetKafkaUsername() string      { return c.KafkaUsername }
func (c *Config) GetKafkaPassword() string      { return c.KafkaPassword }
func (c *Config) GetKafkaTLS() bool             { return c.KafkaTLS }
func (c *Config) GetRabbitMQURL() string        { return c.RabbitMQURL }
func (c *Config) GetNATSURL() string            { return c.NATSURL }
func (c *Config) GetNATSStreamName() string     { return c.NATSStreamName }
func (c *Config) GetAWSRegion() string          { return c.AWSRegion }
func (c *Config) GetAWSAccountID() string       { return c.AWSAccountID }
func (c *Config) GetAWSAccessKeyID() string     { return c.AWSAccessKeyID }
func (c *Config) GetAWSSecretAccessKey() string { return c.AWSSecretAccessKey }
func (c *Config) GetAWSEndpoint() string        { return c.AWSEndpoint }

// Publisher records every publish call.
type Publisher struct {
	mu       sync.Mutex
	Err      error
	Topics   []string
	Messages []*message.Message
	Closed   int
}

func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Topics = append(p.Topics, topic)
	p.Messages = append(p.Messages, messages...)
	return p.Err
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed++
	return nil
}

// Calls returns the number of Publish calls.
func (p *Publisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Topics)
}

// Subscriber records every subscribe call and hands out channels that stay
// open until ctx is done or the subscriber is closed. Pending messages are
// delivered on the first subscribe.
type Subscriber struct {
	mu      sync.Mutex
	Err     error
	Topics  []string
	Closed  int
	Pending []*message.Message
	done    chan struct{}
}

func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	s.mu.Lock()
	s.Topics = append(s.Topics, topic)
	if s.done == nil {
		s.done = make(chan struct{})
	}
	done, err := s.done, s.Err
	pending := s.Pending
	s.Pending = nil
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan *message.Message)
	go func() {
		defer close(ch)
		for _, msg := range pending {
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
		select {
		case <-ctx.Done():
		case <-done:
		}
	}()
	return ch, nil
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed++
	if s.done == nil {
		s.done = make(chan struct{})
	}
	if s.Closed == 1 {
		close(s.done)
	}
	return nil
}

// CloseCount returns how often Close was called.
func (s *Subscriber) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closed
}
