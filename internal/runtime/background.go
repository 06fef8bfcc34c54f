package runtime

import (
	"context"

	addresspkg "github.com/drblury/courier/internal/runtime/address"
	envelopepkg "github.com/drblury/courier/internal/runtime/envelope"
	jobspkg "github.com/drblury/courier/internal/runtime/jobs"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
	"github.com/drblury/courier/transport"
)

// SubscribeBackgroundJob runs the jobs queued for req.Service through the
// job registry until ctx is done or a job fails. Jobs are acknowledged on
// receipt, so a crashed worker loses the job instead of running it twice.
// A timed out job is logged and the loop carries on.
func (c *Client) SubscribeBackgroundJob(ctx context.Context, req SubscribeRequest) error {
	if err := req.validate("subscribe_background_job", true); err != nil {
		return err
	}
	addr := addresspkg.QueueAddress(req.Service, req.Affinity)
	sub := subscription{
		role:         transport.RoleQueue,
		service:      req.Service,
		address:      addr,
		groupID:      c.Conf.QueueGroupPrefix + addr,
		ackOnReceipt: true,
	}
	req.ManualAck = false
	return c.run(ctx, sub, req, func(ctx context.Context, received *ReceivedMessage) error {
		return c.runJob(ctx, sub.service, received)
	})
}

func (c *Client) runJob(ctx context.Context, service string, received *ReceivedMessage) error {
	desc, ok := c.jobDescriptor(received)
	if !ok {
		c.metrics.jobs.WithLabelValues(jobOutcomeFailed).Inc()
		c.Logger.Warn("Skipping message that names no background job", loggingpkg.LogFields{
			"address": received.Address,
			"body":    envelopepkg.Preview(received.raw),
		})
		return nil
	}

	fields := loggingpkg.LogFields{
		"address":     received.Address,
		"class_name":  desc.ClassName,
		"method_name": desc.MethodName,
		"instance_id": desc.InstanceID,
	}
	c.Logger.Info("Processing background job", fields)

	result, err := c.dispatcher.Dispatch(ctx, desc)
	switch {
	case jobspkg.IsTimeout(err):
		c.metrics.jobs.WithLabelValues(jobOutcomeTimedOut).Inc()
		return nil
	case err != nil:
		c.metrics.jobs.WithLabelValues(jobOutcomeFailed).Inc()
		return err
	}
	c.metrics.jobs.WithLabelValues(jobOutcomeSucceeded).Inc()
	c.Logger.Info("Background job completed", fields)

	return c.respond(ctx, service, received.CorrelationID, result)
}

// jobDescriptor reads the job from the body. The class and method headers
// fill in what the body leaves out, or all of it when the body is not a
// job. It reports false when neither names a class and method.
func (c *Client) jobDescriptor(received *ReceivedMessage) (jobspkg.Descriptor, bool) {
	var desc jobspkg.Descriptor
	if err := c.codec.DecodeInto(received.wire, received.raw, &desc); err != nil {
		c.Logger.Warn("Job body is not a job descriptor, using headers", loggingpkg.LogFields{
			"address": received.Address,
			"error":   err.Error(),
		})
		desc = jobspkg.Descriptor{}
	}
	if desc.ClassName == "" {
		desc.ClassName = received.ClassName
	}
	if desc.MethodName == "" {
		desc.MethodName = received.MessageType
	}
	return desc, desc.ClassName != "" && desc.MethodName != ""
}
