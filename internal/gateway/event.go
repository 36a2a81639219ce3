package gateway

// Event is a domain event published once through the Dispatcher; every live
// session independently decides whether to forward it.
type Event struct {
	// Type names the event, e.g. "message.create".
	Type string
	// SpaceID scopes the event to members of one space. Empty means global.
	SpaceID string
	// TargetUserIDs, when non-empty, addresses the event to specific users
	// and bypasses the space check. Intent filtering still applies.
	TargetUserIDs []string
	// Payload is the event body serialized into the frame's "d" field.
	Payload any
}

// Intent returns the intent gating delivery of this event, or "" for
// always-delivered events.
func (e Event) Intent() string {
	return IntentForEvent(e.Type)
}
