package gateway

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire frame exchanged over the gateway socket:
// {"op": <int>, "d": <payload>, "s": <int|null>, "t": <string|null>}.
// The sequence is set only on server->client EVENT frames.
type Envelope struct {
	Op Opcode          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *uint64         `json:"s"`
	T  *string         `json:"t"`
}

// HelloData is the payload of the HELLO frame. The interval is milliseconds.
type HelloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyData is the payload of a client IDENTIFY frame.
type IdentifyData struct {
	Token      string          `json:"token"`
	Intents    []string        `json:"intents"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Presence   json.RawMessage `json:"presence,omitempty"`
}

// ResumeData is the payload of a client RESUME frame.
type ResumeData struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
}

// ReadyData is the payload of the READY event sent after a successful
// IDENTIFY.
type ReadyData struct {
	SessionID     string   `json:"session_id"`
	UserID        string   `json:"user_id"`
	Spaces        []string `json:"spaces"`
	ServerVersion string   `json:"server_version,omitempty"`
}

// ResumedData is the payload of the RESUMED event.
type ResumedData struct {
	SessionID string `json:"session_id"`
}

// InvalidSessionData is the payload of an INVALID_SESSION frame.
type InvalidSessionData struct {
	Resumable bool `json:"resumable"`
}

// VoiceStateUpdateData is the payload of a client VOICE_STATE_UPDATE frame.
// A nil ChannelID means leave.
type VoiceStateUpdateData struct {
	SpaceID   string  `json:"space_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute,omitempty"`
	SelfDeaf  bool    `json:"self_deaf,omitempty"`
	// Region is an optional client hint for forwarding-node placement.
	Region string `json:"region,omitempty"`
}

// PresenceUpdateData is the payload of a client PRESENCE_UPDATE frame.
type PresenceUpdateData struct {
	Status   string          `json:"status"`
	Activity json.RawMessage `json:"activity,omitempty"`
}

// RequestMembersData is the payload of a client REQUEST_MEMBERS frame.
type RequestMembersData struct {
	SpaceID string `json:"space_id"`
}

// VoiceSignalData is the payload of a client VOICE_SIGNAL frame: an opaque
// SDP/ICE blob relayed to one participant of the sender's voice channel.
type VoiceSignalData struct {
	SpaceID      string          `json:"space_id"`
	ChannelID    string          `json:"channel_id"`
	TargetUserID string          `json:"target_user_id"`
	FromUserID   string          `json:"from_user_id,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// DecodeEnvelope parses a raw text frame into an Envelope.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// DecodeData parses an envelope payload into the typed form.
func DecodeData[T any](env Envelope) (T, error) {
	var data T
	if len(env.D) == 0 {
		return data, fmt.Errorf("missing payload for opcode %d", env.Op)
	}
	if err := json.Unmarshal(env.D, &data); err != nil {
		return data, fmt.Errorf("decode payload for opcode %d: %w", env.Op, err)
	}
	return data, nil
}

// controlFrame marshals a sequence-less frame.
func controlFrame(op Opcode, data any) ([]byte, error) {
	env := Envelope{Op: op}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %d payload: %w", op, err)
		}
		env.D = raw
	}
	return json.Marshal(env)
}

// eventFrame marshals a server->client EVENT frame carrying a sequence.
func eventFrame(seq uint64, eventType string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", eventType, err)
	}
	env := Envelope{Op: OpEvent, D: raw, S: &seq, T: &eventType}
	return json.Marshal(env)
}
