package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
)

var (
	// ErrTopicNotReady marks failures caused by a topic, queue or stream that
	// has not been provisioned yet. Only these failures are retried by the
	// client's readiness loop.
	ErrTopicNotReady = errors.New("transport: topic not ready")

	// ErrAlreadyClosed is returned when closing a publisher or subscriber twice.
	ErrAlreadyClosed = errors.New("transport: already closed")
)

type notReadyError struct {
	err error
}

func (e *notReadyError) Error() string {
	return fmt.Sprintf("%v: %v", ErrTopicNotReady, e.err)
}

func (e *notReadyError) Is(target error) bool {
	return target == ErrTopicNotReady
}

func (e *notReadyError) Unwrap() error {
	return e.err
}

// NotReady wraps err so errors.Is(err, ErrTopicNotReady) holds.
func NotReady(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTopicNotReady) {
		return err
	}
	return &notReadyError{err: err}
}

// IsNotReady reports whether err was classified as a missing topic.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrTopicNotReady)
}

// ClassifyPublisher wraps p so publish failures matching isNotReady are
// reported as ErrTopicNotReady.
func ClassifyPublisher(p message.Publisher, isNotReady func(error) bool) message.Publisher {
	return &classifyingPublisher{Publisher: p, isNotReady: isNotReady}
}

type classifyingPublisher struct {
	message.Publisher
	isNotReady func(error) bool
}

func (p *classifyingPublisher) Publish(topic string, messages ...*message.Message) error {
	err := p.Publisher.Publish(topic, messages...)
	if err != nil && p.isNotReady(err) {
		return NotReady(err)
	}
	return err
}

// ClassifySubscriber wraps s so subscribe failures matching isNotReady are
// reported as ErrTopicNotReady.
func ClassifySubscriber(s message.Subscriber, isNotReady func(error) bool) message.Subscriber {
	return &classifyingSubscriber{Subscriber: s, isNotReady: isNotReady}
}

type classifyingSubscriber struct {
	message.Subscriber
	isNotReady func(error) bool
}

func (s *classifyingSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil && s.isNotReady(err) {
		return nil, NotReady(err)
	}
	return ch, err
}
