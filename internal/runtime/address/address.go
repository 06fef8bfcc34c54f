// Package address derives wire addresses and header sets from the semantic
// options of publish and subscribe calls.
package address

import (
	"strconv"
	"strings"
	"time"

	"github.com/drblury/courier/internal/runtime/metadata"
	"github.com/drblury/courier/transport"
)

// DefaultAffinity is used when a queue address is resolved without affinity.
const DefaultAffinity = "none"

// Reserved header keys. Everything else on an envelope is caller data.
const (
	HeaderEncoding                = "encoding"
	HeaderSender                  = "sender"
	HeaderMessageType             = "message_type"
	HeaderEventType               = "event_type"
	HeaderClassName               = "class_name"
	HeaderCorrelationID           = "correlation_id"
	HeaderDestinationType         = "destination-type"
	HeaderSubscriptionType        = "subscription-type"
	HeaderAck                     = "ack"
	HeaderDurableSubscriptionName = "durable-subscription-name"
	HeaderExpires                 = transport.HeaderExpires
	HeaderScheduledTime           = transport.HeaderScheduledTime
	HeaderPriority                = transport.HeaderPriority
	HeaderGroupName               = transport.HeaderGroupName
)

// Routing marker values.
const (
	Anycast   = "ANYCAST"
	Multicast = "MULTICAST"

	// AckClient means the framework acknowledges on the caller's behalf.
	AckClient = "client"
	// AckClientIndividual means the caller acknowledges each message itself,
	// in any order.
	AckClientIndividual = "client-individual"
)

// transportPrefix marks headers owned by watermill and the backends.
const transportPrefix = "_watermill"

var reserved = map[string]struct{}{
	HeaderEncoding:                {},
	HeaderSender:                  {},
	HeaderMessageType:             {},
	HeaderEventType:               {},
	HeaderClassName:               {},
	HeaderCorrelationID:           {},
	HeaderDestinationType:         {},
	HeaderSubscriptionType:        {},
	HeaderAck:                     {},
	HeaderDurableSubscriptionName: {},
	HeaderExpires:                 {},
	HeaderScheduledTime:           {},
	HeaderPriority:                {},
	HeaderGroupName:               {},
}

// QueueAddress returns "queue/<service>.<affinity>"; an empty affinity
// resolves to DefaultAffinity.
func QueueAddress(service, affinity string) string {
	if affinity == "" {
		affinity = DefaultAffinity
	}
	return "queue/" + service + "." + affinity
}

// TopicAddress returns "topic/<service>".
func TopicAddress(service string) string {
	return "topic/" + service
}

// ResponseAddress is the private reply queue of one correlated request.
func ResponseAddress(service, correlationID string) string {
	return QueueAddress(service+".response", correlationID)
}

// PublishOptions are the optional routing hints of a publish call.
type PublishOptions struct {
	ExpiresAt time.Time
	DeliverAt time.Time
	Priority  *int
	GroupName string
}

// PublishHeaders returns the routing headers for a publish on role. Only
// options that are present produce a header.
func PublishHeaders(role transport.Role, opts PublishOptions) metadata.Metadata {
	headers := metadata.Metadata{HeaderDestinationType: marker(role)}
	if !opts.ExpiresAt.IsZero() {
		headers[HeaderExpires] = strconv.FormatInt(opts.ExpiresAt.UnixMilli(), 10)
	}
	if !opts.DeliverAt.IsZero() {
		headers[HeaderScheduledTime] = strconv.FormatInt(opts.DeliverAt.UnixMilli(), 10)
	}
	if opts.Priority != nil {
		headers[HeaderPriority] = strconv.Itoa(*opts.Priority)
	}
	if opts.GroupName != "" {
		headers[HeaderGroupName] = opts.GroupName
	}
	return headers
}

// SubscribeOptions are the options that shape a subscription.
type SubscribeOptions struct {
	ManualAck  bool
	PersistRef string
}

// SubscribeHeaders returns the subscription headers for role. A durable
// subscription name is set for topics only, and only with a persist ref.
func SubscribeHeaders(role transport.Role, opts SubscribeOptions) metadata.Metadata {
	headers := metadata.Metadata{
		HeaderSubscriptionType: marker(role),
		HeaderAck:              AckClient,
	}
	if opts.ManualAck {
		headers[HeaderAck] = AckClientIndividual
	}
	if role == transport.RoleTopic && opts.PersistRef != "" {
		headers[HeaderDurableSubscriptionName] = opts.PersistRef
	}
	return headers
}

// Reserved reports whether key belongs to the envelope rather than the caller.
func Reserved(key string) bool {
	if _, ok := reserved[key]; ok {
		return true
	}
	return strings.HasPrefix(key, transportPrefix)
}

// ClientHeaders strips reserved keys from headers.
func ClientHeaders(headers metadata.Metadata) metadata.Metadata {
	return headers.Filter(func(key string) bool { return !Reserved(key) })
}

func marker(role transport.Role) string {
	if role == transport.RoleTopic {
		return Multicast
	}
	return Anycast
}
