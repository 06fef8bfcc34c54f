/*
Package runtime provides the messaging client behind courier.

# Architecture Overview

A Client turns semantic requests (service, affinity, message or event type)
into envelopes on a transport built from the transport registry. Publishers
are created lazily per role and shared by every publish call of the client;
consumers are owned by a consumer group manager that keeps at most one live
consumer per role.

# Package Structure

## Client (client.go)

Open validates the configuration, builds the transport and the envelope
codec, and registers the Prometheus collectors. Close stops the consumers,
the publishers and the transport.

## Publishing (publish.go, correlation.go)

  - PublishMessage / PublishMessages: queue sends, batched per address
  - PublishTopic: broadcast to every topic subscriber
  - PublishJob: enqueue a background job
  - PublishMessageWithResponse: request/response over a private reply queue

## Subscribing (subscribe.go, background.go, received.go)

Subscription loops block for their lifetime and call the handler on the
loop's goroutine. Auto-ack subscriptions acknowledge after the handler
succeeded and release the message when it failed; manual-ack subscriptions
leave it to ReceivedMessage.Ack. Background jobs are acknowledged on receipt.

## Consumer groups (groups.go)

Queue consumers of one address share a group. Topic consumers join the group
named by their persist ref, or a group private to the client. Subscribing
with a different group closes the current consumer of that role first.

## Resilience and observability (breaker.go, metrics.go, tracing.go, hooks.go)

  - gobreaker guards every publisher
  - Prometheus counters for published, received, acked and failed messages
  - OpenTelemetry spans around publish and handler calls
  - DeliveryHooks around every handler call

# Sub-packages

  - address/: wire addresses and routing headers
  - envelope/: body encoding (raw, JSON, YAML)
  - readiness/: retries while a topic is not provisioned yet
  - jobs/: background job dispatch against a job registry
  - config/, errors/, logging/, metadata/, ids/, jsoncodec/: shared support

# Usage Example

	client, err := courier.Open(ctx, &courier.Config{
		Protocol:     "kafka",
		KafkaBrokers: []string{"localhost:9092"},
	}, logger, courier.ClientDependencies{})
	if err != nil {
		return err
	}
	defer client.Close()

	err = client.SubscribeMessages(ctx, courier.SubscribeRequest{Service: "orders"},
		func(ctx context.Context, msg *courier.ReceivedMessage) (any, error) {
			return process(msg.Payload)
		})
*/
package runtime
