package gateway

// Intent names a client-declared subscription category gating which event
// types a session receives.
const (
	IntentSpaces          = "spaces"
	IntentModeration      = "moderation"
	IntentEmojis          = "emojis"
	IntentVoiceStates     = "voice_states"
	IntentMessages        = "messages"
	IntentReactions       = "message_reactions"
	IntentTyping          = "message_typing"
	IntentDirectMessages  = "direct_messages"
	IntentDMReactions     = "dm_reactions"
	IntentDMTyping        = "dm_typing"
	IntentScheduledEvents = "scheduled_events"

	// Privileged intents.
	IntentMembers        = "members"
	IntentPresences      = "presences"
	IntentMessageContent = "message_content"
)

var allIntents = map[string]struct{}{
	IntentSpaces:          {},
	IntentModeration:      {},
	IntentEmojis:          {},
	IntentVoiceStates:     {},
	IntentMessages:        {},
	IntentReactions:       {},
	IntentTyping:          {},
	IntentDirectMessages:  {},
	IntentDMReactions:     {},
	IntentDMTyping:        {},
	IntentScheduledEvents: {},
	IntentMembers:         {},
	IntentPresences:       {},
	IntentMessageContent:  {},
}

// ValidIntent reports whether name is a known intent.
func ValidIntent(name string) bool {
	_, ok := allIntents[name]
	return ok
}

var eventIntents = map[string]string{
	"message.create":       IntentMessages,
	"message.update":       IntentMessages,
	"message.delete":       IntentMessages,
	"message.delete_bulk":  IntentMessages,
	"member.join":          IntentMembers,
	"member.leave":         IntentMembers,
	"member.update":        IntentMembers,
	"member.chunk":         IntentMembers,
	"space.create":         IntentSpaces,
	"space.update":         IntentSpaces,
	"space.delete":         IntentSpaces,
	"channel.create":       IntentSpaces,
	"channel.update":       IntentSpaces,
	"channel.delete":       IntentSpaces,
	"channel.pins_update":  IntentSpaces,
	"role.create":          IntentSpaces,
	"role.update":          IntentSpaces,
	"role.delete":          IntentSpaces,
	"invite.create":        IntentSpaces,
	"invite.delete":        IntentSpaces,
	"reaction.add":         IntentReactions,
	"reaction.remove":      IntentReactions,
	"reaction.clear":       IntentReactions,
	"reaction.clear_emoji": IntentReactions,
	"typing.start":         IntentTyping,
	"presence.update":      IntentPresences,
	"voice.state_update":   IntentVoiceStates,
	"voice.server_update":  IntentVoiceStates,
	"voice.signal":         IntentVoiceStates,
	"ban.create":           IntentModeration,
	"ban.delete":           IntentModeration,
	"emoji.update":         IntentEmojis,
}

// IntentForEvent maps an event type to its gating intent. An empty result
// means the event is delivered regardless of subscribed intents.
func IntentForEvent(eventType string) string {
	return eventIntents[eventType]
}
