package runtime

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/transport"
)

// consumerSlot is the live consumer of one role.
type consumerSlot struct {
	groupID    string
	subscriber message.Subscriber
}

// groupManager keeps at most one consumer per role. Asking for a different
// consumer group closes the current consumer before the new one is built.
type groupManager struct {
	mu        sync.Mutex
	build     func(ctx context.Context, opts transport.ConsumerOptions) (message.Subscriber, error)
	slots     map[transport.Role]*consumerSlot
	closed    bool
	logger    loggingpkg.ServiceLogger
	onRebuild func(role transport.Role)
}

func newGroupManager(build func(ctx context.Context, opts transport.ConsumerOptions) (message.Subscriber, error), logger loggingpkg.ServiceLogger) *groupManager {
	return &groupManager{
		build:  build,
		slots:  make(map[transport.Role]*consumerSlot),
		logger: logger,
	}
}

// acquire returns the consumer for opts.Role and opts.GroupID.
func (g *groupManager) acquire(ctx context.Context, opts transport.ConsumerOptions) (message.Subscriber, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil, errspkg.ErrClientClosed
	}

	if slot, ok := g.slots[opts.Role]; ok {
		if slot.groupID == opts.GroupID {
			return slot.subscriber, nil
		}
		g.logger.Info("Consumer group changed, closing previous consumer", loggingpkg.LogFields{
			"role":      opts.Role,
			"old_group": slot.groupID,
			"new_group": opts.GroupID,
		})
		delete(g.slots, opts.Role)
		if err := closeSubscriber(slot.subscriber); err != nil {
			g.logger.Error("Failed to close previous consumer", err, loggingpkg.LogFields{"group": slot.groupID})
		}
		if g.onRebuild != nil {
			g.onRebuild(opts.Role)
		}
	}

	sub, err := g.build(ctx, opts)
	if err != nil {
		return nil, err
	}
	g.slots[opts.Role] = &consumerSlot{groupID: opts.GroupID, subscriber: sub}
	g.logger.Debug("Consumer created", loggingpkg.LogFields{
		"role":    opts.Role,
		"group":   opts.GroupID,
		"address": opts.Address,
	})
	return sub, nil
}

// groupID returns the group of the live consumer for role.
func (g *groupManager) groupID(role transport.Role) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	slot, ok := g.slots[role]
	if !ok {
		return "", false
	}
	return slot.groupID, true
}

// close stops every live consumer. Later acquire calls fail.
func (g *groupManager) close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	var errs []error
	for role, slot := range g.slots {
		if err := closeSubscriber(slot.subscriber); err != nil {
			errs = append(errs, err)
		}
		delete(g.slots, role)
	}
	return errors.Join(errs...)
}

func closeSubscriber(sub message.Subscriber) error {
	return tolerateClosed(sub.Close())
}

func tolerateClosed(err error) error {
	if errors.Is(err, transport.ErrAlreadyClosed) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
