package runtime

import (
	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

// AckRef identifies a delivered message for acknowledgment.
type AckRef struct {
	msg     *message.Message
	address string
	role    transport.Role
}

// Address returns the address the message was delivered from.
func (r AckRef) Address() string {
	return r.address
}

// ReceivedMessage is one decoded delivery handed to a subscription handler.
type ReceivedMessage struct {
	Sender string
	// MessageType is the message type of a queue delivery or the event type
	// of a topic delivery.
	MessageType   string
	ClassName     string
	CorrelationID string
	Address       string
	Payload       any
	// Headers holds the caller headers only.
	Headers metadatapkg.Metadata
	AckRef  AckRef

	client *Client
	raw    []byte
	wire   metadatapkg.Metadata
}

// Ack acknowledges the message through the client that received it. It is
// only needed for subscriptions with ManualAck.
func (m *ReceivedMessage) Ack() error {
	return m.client.Ack(m.AckRef)
}
