package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldUserID        = "user_id"
	FieldNodeID        = "node_id"
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"

	// Gateway fields
	FieldOpcode    = "opcode"
	FieldCloseCode = "close_code"
	FieldEventType = "event_type"
	FieldIntent    = "intent"
	FieldSequence  = "seq"

	// Scope fields
	FieldSpaceID   = "space_id"
	FieldChannelID = "channel_id"

	// Node / registry fields
	FieldRegion   = "region"
	FieldEndpoint = "endpoint"
	FieldCapacity = "capacity"
	FieldLoad     = "current_load"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
)
