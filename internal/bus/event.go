package bus

import "time"

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespaces and kinds published by cnectd components.
const (
	NamespaceDelivery = "delivery."
	NamespaceLink     = "link."

	KindMessageCreated = "delivery.message_created"
	KindDelivered      = "delivery.delivered"
	KindSeen           = "delivery.seen"
	KindTyping         = "delivery.typing"
	KindMembersJoined  = "delivery.members_joined"

	KindLinkStatus = "link.status_changed"
)
