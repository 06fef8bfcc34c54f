package transport

// Routing headers understood by backends that can honour them natively.
// Values are produced by the client's address resolver.
const (
	// HeaderGroupName carries the partition-affinity hint.
	HeaderGroupName = "group-name"
	// HeaderExpires carries the expiry as Unix milliseconds.
	HeaderExpires = "expires"
	// HeaderScheduledTime carries the earliest delivery time as Unix milliseconds.
	HeaderScheduledTime = "scheduled-time"
	// HeaderPriority carries the message priority as a decimal integer.
	HeaderPriority = "priority"
)
