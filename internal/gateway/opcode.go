package gateway

// Opcode identifies a gateway frame's purpose.
type Opcode int

// Gateway opcodes.
const (
	OpEvent            Opcode = 0  // server->client
	OpHeartbeat        Opcode = 1  // bidirectional
	OpIdentify         Opcode = 2  // client->server
	OpResume           Opcode = 3  // client->server
	OpHeartbeatACK     Opcode = 4  // server->client
	OpHello            Opcode = 5  // server->client
	OpReconnect        Opcode = 6  // server->client
	OpInvalidSession   Opcode = 7  // server->client
	OpPresenceUpdate   Opcode = 8  // client->server
	OpVoiceStateUpdate Opcode = 9  // client->server
	OpRequestMembers   Opcode = 10 // client->server
	OpVoiceSignal      Opcode = 11 // client->server, custom voice backend only
)

// Close codes. Each code maps to exactly one cause.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseInvalidSequence      = 4007
	CloseRateLimited          = 4008 // also used for outbound queue overflow
	CloseSessionTimedOut      = 4009
	CloseInvalidVersion       = 4012
	CloseInvalidIntent        = 4013
	CloseDisallowedIntent     = 4014
)

var closeReasons = map[int]string{
	CloseUnknownError:         "unknown error",
	CloseUnknownOpcode:        "unknown opcode",
	CloseDecodeError:          "decode error",
	CloseNotAuthenticated:     "not authenticated",
	CloseAuthenticationFailed: "authentication failed",
	CloseAlreadyAuthenticated: "already authenticated",
	CloseInvalidSequence:      "invalid sequence",
	CloseRateLimited:          "rate limited",
	CloseSessionTimedOut:      "session timed out",
	CloseInvalidVersion:       "invalid version",
	CloseInvalidIntent:        "invalid intent",
	CloseDisallowedIntent:     "disallowed intent",
}

// CloseReason returns the canonical reason text for a close code.
func CloseReason(code int) string {
	if r, ok := closeReasons[code]; ok {
		return r
	}
	return "unknown error"
}
