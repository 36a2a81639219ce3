package voice

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"

	csmap "github.com/mhmtszr/concurrent-swiss-map"

	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/gateway"
	"github.com/parley-im/parley/internal/log"
	"github.com/parley-im/parley/internal/metrics"
)

// ErrNotInChannel is returned when a signal names a channel the sender or
// target is not joined to.
var ErrNotInChannel = errors.New("user not in voice channel")

// State is one user's active voice participation. At most one channel per
// user per space is active.
type State struct {
	UserID    string  `json:"user_id"`
	SpaceID   string  `json:"space_id"`
	ChannelID *string `json:"channel_id"`
	SessionID string  `json:"session_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// members is one channel's participant set. The per-channel lock keeps
// joins/moves on disjoint channels concurrent. A set that the last leaver
// emptied is retired before it leaves the map; a join racing against that
// retirement fails and retries against a fresh set, so no user ever lands
// in an orphaned set.
type members struct {
	mu      sync.Mutex
	users   map[string]struct{}
	retired bool
}

func (m *members) add(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retired {
		return false
	}
	m.users[userID] = struct{}{}
	return true
}

func (m *members) remove(userID string) (empty bool) {
	m.mu.Lock()
	delete(m.users, userID)
	empty = len(m.users) == 0
	m.mu.Unlock()
	return empty
}

// retire marks the set dead if it is still empty. Ran under the map's shard
// lock so the emptiness re-check and the map delete are one step.
func (m *members) retire() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.users) > 0 || m.retired {
		return false
	}
	m.retired = true
	return true
}

func (m *members) has(userID string) bool {
	m.mu.Lock()
	_, ok := m.users[userID]
	m.mu.Unlock()
	return ok
}

func (m *members) list() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.users))
	for u := range m.users {
		out = append(out, u)
	}
	m.mu.Unlock()
	slices.Sort(out)
	return out
}

func channelKey(spaceID, channelID string) string {
	return spaceID + "/" + channelID
}

// Coordinator owns the in-memory voice participation state and drives the
// voice.state_update / voice.server_update event flow.
type Coordinator struct {
	dispatcher *gateway.Dispatcher
	backend    Backend
	checker    auth.VoiceChecker // optional

	users    *csmap.CsMap[string, State]
	channels *csmap.CsMap[string, *members]

	logger zerolog.Logger
}

// NewCoordinator wires the coordinator onto the dispatcher and the selected
// backend.
func NewCoordinator(dispatcher *gateway.Dispatcher, backend Backend, checker auth.VoiceChecker) *Coordinator {
	return &Coordinator{
		dispatcher: dispatcher,
		backend:    backend,
		checker:    checker,
		users:      csmap.Create[string, State](),
		channels:   csmap.Create[string, *members](),
		logger:     log.WithComponent("voice"),
	}
}

// SignalingEnabled implements gateway.VoiceController.
func (c *Coordinator) SignalingEnabled() bool {
	return c.backend.Signaling()
}

// Apply implements gateway.VoiceController: a VOICE_STATE_UPDATE is a join
// (or move) when ChannelID is set, a leave when it is nil.
func (c *Coordinator) Apply(ctx context.Context, sess *gateway.Session, upd gateway.VoiceStateUpdateData) error {
	if upd.ChannelID == nil {
		return c.leave(ctx, sess.UserID)
	}
	return c.join(ctx, sess, upd)
}

func (c *Coordinator) join(ctx context.Context, sess *gateway.Session, upd gateway.VoiceStateUpdateData) error {
	userID := sess.UserID
	channelID := *upd.ChannelID
	if !sess.InSpace(upd.SpaceID) {
		return fmt.Errorf("join voice %s/%s: %w", upd.SpaceID, channelID, auth.ErrNotPermitted)
	}
	if c.checker != nil {
		if err := c.checker.CanJoinVoice(ctx, userID, upd.SpaceID, channelID); err != nil {
			return fmt.Errorf("join voice %s/%s: %w", upd.SpaceID, channelID, err)
		}
	}

	prev, hadPrev := c.users.Load(userID)
	if hadPrev && prev.SpaceID == upd.SpaceID && prev.ChannelID != nil && *prev.ChannelID == channelID {
		if prev.SelfMute == upd.SelfMute && prev.SelfDeaf == upd.SelfDeaf {
			return nil // idempotent re-join
		}
		// Same channel, changed flags: announce the new state, no reallocation.
		next := prev
		next.SelfMute = upd.SelfMute
		next.SelfDeaf = upd.SelfDeaf
		c.users.Store(userID, next)
		c.publishState(next)
		return nil
	}

	next := State{
		UserID:    userID,
		SpaceID:   upd.SpaceID,
		ChannelID: &channelID,
		SessionID: sess.ID,
		SelfMute:  upd.SelfMute,
		SelfDeaf:  upd.SelfDeaf,
	}

	// Both maps are updated before any event goes out so observers never see
	// a user in two channels.
	c.users.Store(userID, next)
	if hadPrev && prev.ChannelID != nil {
		c.removeMember(prev.SpaceID, *prev.ChannelID, userID)
	}
	c.addMember(upd.SpaceID, channelID, userID)
	metrics.VoiceParticipants.Set(float64(c.users.Count()))

	c.publishState(next)

	update, err := c.backend.Allocate(ctx, userID, upd.SpaceID, channelID, upd.Region)
	if err != nil {
		c.logger.Warn().Err(err).
			Str(log.FieldUserID, userID).
			Str(log.FieldSpaceID, upd.SpaceID).
			Str(log.FieldChannelID, channelID).
			Msg("voice allocation failed")
		return err
	}
	// The routing answer goes to the joining session only.
	if err := sess.SendEvent("voice.server_update", update); err != nil {
		return err
	}
	c.logger.Info().
		Str(log.FieldUserID, userID).
		Str(log.FieldChannelID, channelID).
		Str("backend", c.backend.Name()).
		Msg("voice join routed")
	return nil
}

func (c *Coordinator) leave(ctx context.Context, userID string) error {
	prev, ok := c.users.Load(userID)
	if !ok {
		return nil // idempotent leave
	}
	c.users.Delete(userID)
	if prev.ChannelID != nil {
		c.removeMember(prev.SpaceID, *prev.ChannelID, userID)
		if err := c.backend.Release(ctx, userID, *prev.ChannelID); err != nil {
			c.logger.Warn().Err(err).
				Str(log.FieldUserID, userID).
				Msg("voice release failed")
		}
	}
	metrics.VoiceParticipants.Set(float64(c.users.Count()))

	c.publishState(State{
		UserID:    userID,
		SpaceID:   prev.SpaceID,
		ChannelID: nil,
		SessionID: prev.SessionID,
	})
	return nil
}

// Disconnect implements gateway.VoiceController.
func (c *Coordinator) Disconnect(ctx context.Context, sess *gateway.Session) {
	if err := c.leave(ctx, sess.UserID); err != nil {
		c.logger.Warn().Err(err).
			Str(log.FieldUserID, sess.UserID).
			Msg("voice cleanup on disconnect failed")
	}
}

// Signal implements gateway.VoiceController: relays an opaque signaling blob
// to one participant of the sender's channel.
func (c *Coordinator) Signal(_ context.Context, sess *gateway.Session, sig gateway.VoiceSignalData) error {
	key := channelKey(sig.SpaceID, sig.ChannelID)
	set, ok := c.channels.Load(key)
	if !ok || !set.has(sess.UserID) {
		return fmt.Errorf("signal from %s: %w", sess.UserID, ErrNotInChannel)
	}
	if !set.has(sig.TargetUserID) {
		return fmt.Errorf("signal to %s: %w", sig.TargetUserID, ErrNotInChannel)
	}
	sig.FromUserID = sess.UserID
	c.dispatcher.Publish(gateway.Event{
		Type:          "voice.signal",
		SpaceID:       sig.SpaceID,
		TargetUserIDs: []string{sig.TargetUserID},
		Payload:       sig,
	})
	return nil
}

// Participants returns the sorted user ids in a channel.
func (c *Coordinator) Participants(spaceID, channelID string) []string {
	set, ok := c.channels.Load(channelKey(spaceID, channelID))
	if !ok {
		return nil
	}
	return set.list()
}

// StateOf returns a user's active voice state.
func (c *Coordinator) StateOf(userID string) (State, bool) {
	return c.users.Load(userID)
}

func (c *Coordinator) addMember(spaceID, channelID, userID string) {
	key := channelKey(spaceID, channelID)
	for {
		set, ok := c.channels.Load(key)
		if !ok {
			c.channels.SetIfAbsent(key, &members{users: make(map[string]struct{})})
			if set, ok = c.channels.Load(key); !ok {
				continue
			}
		}
		if set.add(userID) {
			return
		}
		// Lost the race against the last leaver retiring this set; the key is
		// gone by now, so the next load starts a fresh one.
	}
}

func (c *Coordinator) removeMember(spaceID, channelID, userID string) {
	key := channelKey(spaceID, channelID)
	set, ok := c.channels.Load(key)
	if !ok {
		return
	}
	if set.remove(userID) {
		c.channels.DeleteIf(key, func(cur *members) bool {
			return cur == set && set.retire()
		})
	}
}

func (c *Coordinator) publishState(st State) {
	c.dispatcher.Publish(gateway.Event{
		Type:    "voice.state_update",
		SpaceID: st.SpaceID,
		Payload: st,
	})
}
