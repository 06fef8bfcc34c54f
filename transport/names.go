package transport

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
)

// NameMapper rewrites a courier address ("queue/orders.east") into the name a
// backend accepts for topics, queues or subjects.
type NameMapper func(address string) string

// DottedName replaces the address separator with a dot:
// "queue/orders.east" becomes "queue.orders.east".
func DottedName(address string) string {
	return strings.ReplaceAll(address, "/", ".")
}

// SanitizeName keeps runes accepted by allowed and replaces every other rune
// with repl.
func SanitizeName(name string, allowed func(r rune) bool, repl rune) string {
	return strings.Map(func(r rune) rune {
		if allowed(r) {
			return r
		}
		return repl
	}, name)
}

// IsAlphanumeric accepts ASCII letters and digits.
func IsAlphanumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// IsIdentifierRune accepts ASCII letters, digits, '-' and '_'.
func IsIdentifierRune(r rune) bool {
	return IsAlphanumeric(r) || r == '-' || r == '_'
}

// MapPublisher publishes to mapper(topic) instead of topic.
func MapPublisher(p message.Publisher, mapper NameMapper) message.Publisher {
	return &mappedPublisher{Publisher: p, mapper: mapper}
}

type mappedPublisher struct {
	message.Publisher
	mapper NameMapper
}

func (p *mappedPublisher) Publish(topic string, messages ...*message.Message) error {
	return p.Publisher.Publish(p.mapper(topic), messages...)
}

// MapSubscriber subscribes to mapper(topic) instead of topic.
func MapSubscriber(s message.Subscriber, mapper NameMapper) message.Subscriber {
	return &mappedSubscriber{Subscriber: s, mapper: mapper}
}

type mappedSubscriber struct {
	message.Subscriber
	mapper NameMapper
}

func (s *mappedSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.Subscriber.Subscribe(ctx, s.mapper(topic))
}
