package runtime

import (
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sony/gobreaker"

	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/transport"
)

// breakerPublisher stops calling a failing broker once consecutive publish
// failures reach the threshold, and probes it again after the open timeout.
type breakerPublisher struct {
	message.Publisher
	cb *gobreaker.CircuitBreaker
}

func newBreakerPublisher(name string, pub message.Publisher, threshold int, openTimeout time.Duration, logger loggingpkg.ServiceLogger) *breakerPublisher {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		// A topic that is not provisioned yet says nothing about broker health.
		IsSuccessful: func(err error) bool {
			return err == nil || transport.IsNotReady(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Publisher circuit breaker state changed", loggingpkg.LogFields{
				"publisher": name,
				"from":      from.String(),
				"to":        to.String(),
			})
		},
	})
	return &breakerPublisher{Publisher: pub, cb: cb}
}

func (p *breakerPublisher) Publish(topic string, messages ...*message.Message) error {
	_, err := p.cb.Execute(func() (any, error) {
		return nil, p.Publisher.Publish(topic, messages...)
	})
	return err
}

func (p *breakerPublisher) state() gobreaker.State {
	return p.cb.State()
}
