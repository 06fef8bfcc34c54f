// Package courier is a protocol-agnostic messaging client. Callers describe
// intent (a service, an optional affinity, a message or event type, an
// acknowledgment policy) and courier turns it into addresses, headers and
// envelopes for the transport selected by Config.Protocol.
//
// Queue messages ("queue/<service>.<affinity>") reach exactly one consumer of
// the address because every queue consumer joins one shared consumer group.
// Topic events ("topic/<service>") reach every subscriber; a subscriber with
// a PersistRef shares a durable group with its peers and catches up on what
// it missed while offline.
//
// On top of plain pub/sub the client offers background jobs (PublishJob and
// SubscribeBackgroundJob, dispatched through a JobRegistry) and single-shot
// request/response (PublishMessageWithResponse).
//
// # Transports
//
// Importing courier registers every bundled backend:
//   - channel: in-memory Go channels for tests and local development
//   - kafka: partitioned log through watermill-kafka and IBM/sarama
//   - kafka-go: partitioned log through segmentio/kafka-go with manual commits
//   - rabbitmq: AMQP durable queues and fan-out exchanges
//   - nats: core NATS with queue groups
//   - nats-jetstream: JetStream durable pull consumers
//   - aws: SQS queues and SNS topics, LocalStack friendly
//
// # Acknowledgment
//
// By default the client acknowledges a message once the handler returned
// without error and releases it for redelivery when the handler failed; the
// failure ends the subscription loop with a *HandlerError. With
// SubscribeRequest.ManualAck the caller acknowledges through
// ReceivedMessage.Ack, in any order, until the client is closed.
//
// # Readiness
//
// Requests with WaitForTopic retry while the backend reports that the topic
// does not exist yet, waiting min(1.5*attempt, 300) readiness units between
// attempts. Every other failure is returned immediately.
package courier
