// Package presence tracks the online status of connected users and turns
// PRESENCE_UPDATE frames into presence.update events.
package presence

import (
	"context"
	"encoding/json"

	csmap "github.com/mhmtszr/concurrent-swiss-map"

	"github.com/parley-im/parley/internal/gateway"
)

// Presence is one user's current status as broadcast to their spaces.
type Presence struct {
	UserID   string          `json:"user_id"`
	Status   string          `json:"status"`
	Activity json.RawMessage `json:"activity,omitempty"`
}

// Known status values; anything else is coerced to "online".
var validStatus = map[string]struct{}{
	"online":  {},
	"idle":    {},
	"dnd":     {},
	"offline": {},
}

// Tracker is the in-memory presence map.
type Tracker struct {
	presences *csmap.CsMap[string, Presence]
	publish   func(gateway.Event)
}

// NewTracker wires a tracker onto the dispatcher's publish path.
func NewTracker(publish func(gateway.Event)) *Tracker {
	return &Tracker{
		presences: csmap.Create[string, Presence](),
		publish:   publish,
	}
}

// Set implements gateway.PresenceUpdater: records the presence and announces
// it to every space the user is joined to.
func (t *Tracker) Set(_ context.Context, userID string, spaces []string, upd gateway.PresenceUpdateData) {
	status := upd.Status
	if _, ok := validStatus[status]; !ok {
		status = "online"
	}
	p := Presence{UserID: userID, Status: status, Activity: upd.Activity}
	t.presences.Store(userID, p)
	t.announce(p, spaces)
}

// Clear implements gateway.PresenceUpdater: drops the presence on session
// close and announces the user offline.
func (t *Tracker) Clear(_ context.Context, userID string, spaces []string) {
	if !t.presences.Has(userID) {
		return
	}
	t.presences.Delete(userID)
	t.announce(Presence{UserID: userID, Status: "offline"}, spaces)
}

// Get returns a user's presence, defaulting to offline.
func (t *Tracker) Get(userID string) Presence {
	if p, ok := t.presences.Load(userID); ok {
		return p
	}
	return Presence{UserID: userID, Status: "offline"}
}

func (t *Tracker) announce(p Presence, spaces []string) {
	for _, spaceID := range spaces {
		t.publish(gateway.Event{
			Type:    "presence.update",
			SpaceID: spaceID,
			Payload: p,
		})
	}
}
