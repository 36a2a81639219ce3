package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/log"
	"github.com/parley-im/parley/internal/metrics"
	"github.com/parley-im/parley/internal/snowflake"
)

// VoiceController is the voice state coordinator as seen by the session
// manager.
type VoiceController interface {
	// Apply handles a VOICE_STATE_UPDATE (join, move or leave).
	Apply(ctx context.Context, sess *Session, upd VoiceStateUpdateData) error
	// Signal relays a VOICE_SIGNAL to a participant of the sender's channel.
	Signal(ctx context.Context, sess *Session, sig VoiceSignalData) error
	// Disconnect removes any voice participation when a session closes.
	Disconnect(ctx context.Context, sess *Session)
	// SignalingEnabled reports whether VOICE_SIGNAL relaying is active
	// (custom backend only).
	SignalingEnabled() bool
}

// PresenceUpdater is the presence tracker as seen by the session manager.
type PresenceUpdater interface {
	Set(ctx context.Context, userID string, spaces []string, upd PresenceUpdateData)
	Clear(ctx context.Context, userID string, spaces []string)
}

// ManagerDeps are the collaborators of the session manager.
type ManagerDeps struct {
	Resolver auth.Resolver
	Members  auth.MembershipProvider
	Resume   ResumeStore
	Voice    VoiceController // optional
	Presence PresenceUpdater // optional

	ServerVersion string
}

// Manager owns the gateway connection lifecycle: handshake, heartbeat,
// resume and close. One goroutine per connection reads frames; a second
// drains the session's outbound queue; a watchdog enforces the heartbeat
// deadline.
type Manager struct {
	cfg        config.Gateway
	deps       ManagerDeps
	dispatcher *Dispatcher
	ids        *snowflake.Generator
	upgrader   websocket.Upgrader
	logger     zerolog.Logger
}

// NewManager wires a session manager onto the dispatcher.
func NewManager(cfg config.Gateway, dispatcher *Dispatcher, deps ManagerDeps) *Manager {
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		dispatcher: dispatcher,
		ids:        snowflake.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect cross-origin from the app shell.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: log.WithComponent("gateway"),
	}
}

// Connection protocol states.
const (
	stateAwaitingIdentify int32 = iota
	stateReady
	stateClosing
	stateClosed
)

const writeTimeout = 10 * time.Second

// conn is the per-connection task state.
type conn struct {
	m      *Manager
	ws     *websocket.Conn
	state  atomic.Int32
	sess   *Session // nil until Ready
	cancel context.CancelFunc
	logger zerolog.Logger
}

// HandleWS upgrades the request and runs the connection to completion.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{m: m, ws: ws, cancel: cancel, logger: m.logger}
	c.run(ctx)
}

func (c *conn) run(ctx context.Context) {
	defer c.cancel()

	// HELLO goes out immediately; the client then has a bounded window to
	// IDENTIFY or RESUME.
	hello, err := controlFrame(OpHello, HelloData{
		HeartbeatInterval: c.m.cfg.HeartbeatInterval.Milliseconds(),
	})
	if err != nil || c.write(hello) != nil {
		_ = c.ws.Close()
		return
	}

	sess, resumed, ok := c.handshake(ctx)
	if !ok {
		return // handshake already closed the socket with a code
	}
	c.sess = sess
	c.logger = c.m.logger.With().
		Str(log.FieldSessionID, sess.ID).
		Str(log.FieldUserID, sess.UserID).
		Logger()
	sess.OnKick(func(code int) {
		// Kick may fire from a dispatcher publish; teardown must not block it.
		go c.close(ctx, code)
	})
	c.state.Store(stateReady)

	// READY (or RESUMED) must be the first event frame: enqueue it before the
	// dispatcher can fan anything else into the queue.
	event, payload := "ready", any(ReadyData{
		SessionID:     sess.ID,
		UserID:        sess.UserID,
		Spaces:        sess.Spaces(),
		ServerVersion: c.m.deps.ServerVersion,
	})
	if resumed {
		event, payload = "resumed", any(ResumedData{SessionID: sess.ID})
	}
	if err := sess.SendEvent(event, payload); err != nil {
		c.close(ctx, CloseUnknownError)
		return
	}
	c.m.dispatcher.Register(sess)
	c.logger.Info().Bool("resumed", resumed).Msg("session ready")

	go c.writeLoop(ctx)
	go c.watchdog(ctx)
	c.readLoop(ctx)
}

// handshake waits for IDENTIFY or RESUME within the identify window and
// returns the constructed session. On failure the connection is closed with
// the appropriate code and ok is false.
func (c *conn) handshake(ctx context.Context) (sess *Session, resumed, ok bool) {
	deadline := time.Now().Add(c.m.cfg.IdentifyTimeout)
	_ = c.ws.SetReadDeadline(deadline)

	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			// A read deadline here means the identify window expired; a close
			// error means the peer already went away.
			code := CloseNotAuthenticated
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = 0
			}
			c.abort(code)
			return nil, false, false
		}
		if msgType != websocket.TextMessage {
			c.abort(CloseDecodeError)
			return nil, false, false
		}
		env, err := DecodeEnvelope(raw)
		if err != nil {
			c.abort(CloseDecodeError)
			return nil, false, false
		}

		switch env.Op {
		case OpHeartbeat:
			// Heartbeats are legal before authentication.
			ack, err := controlFrame(OpHeartbeatACK, nil)
			if err != nil || c.write(ack) != nil {
				c.abort(0)
				return nil, false, false
			}

		case OpIdentify:
			sess, ok = c.identify(ctx, env)
			if !ok {
				return nil, false, false
			}
			_ = c.ws.SetReadDeadline(time.Time{})
			return sess, false, true

		case OpResume:
			sess, ok = c.resume(ctx, env)
			if sess == nil && ok {
				// Unknown session: INVALID_SESSION was sent, the client must
				// re-IDENTIFY within the remaining window.
				continue
			}
			if !ok {
				return nil, false, false
			}
			_ = c.ws.SetReadDeadline(time.Time{})
			return sess, true, true

		default:
			c.abort(CloseNotAuthenticated)
			return nil, false, false
		}
	}
}

func (c *conn) identify(ctx context.Context, env Envelope) (*Session, bool) {
	ident, err := DecodeData[IdentifyData](env)
	if err != nil {
		c.abort(CloseDecodeError)
		return nil, false
	}
	for _, intent := range ident.Intents {
		if !ValidIntent(intent) {
			c.abort(CloseInvalidIntent)
			return nil, false
		}
	}

	identity, err := c.m.deps.Resolver.Resolve(ctx, ident.Token)
	if err != nil {
		metrics.IdentifyTotal.WithLabelValues("auth_failed").Inc()
		c.abort(CloseAuthenticationFailed)
		return nil, false
	}

	// Privileged intents are reserved for bot identities.
	if !identity.Bot {
		for _, intent := range ident.Intents {
			if intent == IntentMembers || intent == IntentPresences || intent == IntentMessageContent {
				metrics.IdentifyTotal.WithLabelValues("disallowed_intent").Inc()
				c.abort(CloseDisallowedIntent)
				return nil, false
			}
		}
	}

	spaces, err := c.m.deps.Members.SpacesFor(ctx, identity.UserID)
	if err != nil {
		c.m.logger.Error().Err(err).
			Str(log.FieldUserID, identity.UserID).
			Msg("membership lookup failed")
		c.abort(CloseUnknownError)
		return nil, false
	}

	metrics.IdentifyTotal.WithLabelValues("success").Inc()
	sess := NewSession(c.m.ids.Next(), identity.UserID, identity.Bot,
		ident.Intents, spaces, c.m.cfg.QueueCapacity, 0)
	return sess, true
}

// resume returns (nil, true) when the prior session is unknown and the
// client may still IDENTIFY, (nil, false) when the connection was closed,
// and (sess, true) on success.
func (c *conn) resume(ctx context.Context, env Envelope) (*Session, bool) {
	res, err := DecodeData[ResumeData](env)
	if err != nil {
		c.abort(CloseDecodeError)
		return nil, false
	}

	identity, err := c.m.deps.Resolver.Resolve(ctx, res.Token)
	if err != nil {
		metrics.ResumeTotal.WithLabelValues("auth_failed").Inc()
		c.abort(CloseAuthenticationFailed)
		return nil, false
	}

	st, found, err := c.m.deps.Resume.Take(ctx, res.SessionID)
	if err != nil {
		c.m.logger.Warn().Err(err).Msg("resume store lookup failed")
	}
	if !found || st.UserID != identity.UserID {
		metrics.ResumeTotal.WithLabelValues("invalid_session").Inc()
		frame, ferr := controlFrame(OpInvalidSession, InvalidSessionData{Resumable: false})
		if ferr != nil || c.write(frame) != nil {
			c.abort(0)
			return nil, false
		}
		return nil, true
	}
	if res.Seq > st.Seq {
		// The client claims frames the server never sent.
		metrics.ResumeTotal.WithLabelValues("invalid_seq").Inc()
		c.abort(CloseInvalidSequence)
		return nil, false
	}

	metrics.ResumeTotal.WithLabelValues("success").Inc()
	sess := NewSession(res.SessionID, st.UserID, st.Bot,
		st.Intents, st.Spaces, c.m.cfg.QueueCapacity, st.Seq)
	return sess, true
}

// readLoop consumes inbound frames until the connection dies.
func (c *conn) readLoop(ctx context.Context) {
	for {
		msgType, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.close(ctx, 0)
			return
		}
		if msgType != websocket.TextMessage {
			c.close(ctx, CloseDecodeError)
			return
		}
		env, err := DecodeEnvelope(raw)
		if err != nil {
			c.close(ctx, CloseDecodeError)
			return
		}
		if done := c.dispatch(ctx, env); done {
			return
		}
	}
}

// dispatch handles one inbound frame in Ready state. It returns true when
// the connection has been closed.
func (c *conn) dispatch(ctx context.Context, env Envelope) bool {
	sess := c.sess
	switch env.Op {
	case OpHeartbeat:
		sess.Touch()
		if err := sess.SendControl(OpHeartbeatACK, nil); err != nil {
			return true // queue overflow already kicked the session
		}

	case OpIdentify, OpResume:
		c.close(ctx, CloseAlreadyAuthenticated)
		return true

	case OpPresenceUpdate:
		upd, err := DecodeData[PresenceUpdateData](env)
		if err != nil {
			c.close(ctx, CloseDecodeError)
			return true
		}
		if c.m.deps.Presence != nil {
			c.m.deps.Presence.Set(ctx, sess.UserID, sess.Spaces(), upd)
		}

	case OpVoiceStateUpdate:
		upd, err := DecodeData[VoiceStateUpdateData](env)
		if err != nil {
			c.close(ctx, CloseDecodeError)
			return true
		}
		if c.m.deps.Voice == nil {
			return false
		}
		if err := c.m.deps.Voice.Apply(ctx, sess, upd); err != nil {
			// Allocation exhaustion and permission failures are retryable
			// from the client's point of view, never a connection close.
			c.logger.Warn().Err(err).
				Str(log.FieldSpaceID, upd.SpaceID).
				Msg("voice state update rejected")
		}

	case OpRequestMembers:
		req, err := DecodeData[RequestMembersData](env)
		if err != nil {
			c.close(ctx, CloseDecodeError)
			return true
		}
		c.requestMembers(ctx, req)

	case OpVoiceSignal:
		sig, err := DecodeData[VoiceSignalData](env)
		if err != nil {
			c.close(ctx, CloseDecodeError)
			return true
		}
		if c.m.deps.Voice == nil || !c.m.deps.Voice.SignalingEnabled() {
			c.logger.Debug().Msg("voice signal ignored: custom backend not active")
			return false
		}
		if err := c.m.deps.Voice.Signal(ctx, sess, sig); err != nil {
			c.logger.Warn().Err(err).Msg("voice signal rejected")
		}

	default:
		c.close(ctx, CloseUnknownOpcode)
		return true
	}
	return false
}

// requestMembers answers REQUEST_MEMBERS with member.chunk events addressed
// to the requesting session only.
func (c *conn) requestMembers(ctx context.Context, req RequestMembersData) {
	sess := c.sess
	if !sess.HasIntent(IntentMembers) || !sess.InSpace(req.SpaceID) {
		c.logger.Debug().
			Str(log.FieldSpaceID, req.SpaceID).
			Msg("member request ignored")
		return
	}
	members, err := c.m.deps.Members.MembersOf(ctx, req.SpaceID)
	if err != nil {
		c.logger.Warn().Err(err).
			Str(log.FieldSpaceID, req.SpaceID).
			Msg("member lookup failed")
		return
	}
	const chunkSize = 100
	for start := 0; start < len(members); start += chunkSize {
		end := min(start+chunkSize, len(members))
		payload := map[string]any{
			"space_id":   req.SpaceID,
			"members":    members[start:end],
			"chunk":      start / chunkSize,
			"last_chunk": end == len(members),
		}
		if err := sess.SendEvent("member.chunk", payload); err != nil {
			return
		}
	}
}

// writeLoop drains the session's outbound queue onto the socket.
func (c *conn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.sess.Out():
			if err := c.write(frame); err != nil {
				c.close(ctx, 0)
				return
			}
		}
	}
}

// watchdog closes the session after two consecutive heartbeat intervals
// without a client HEARTBEAT, never earlier.
func (c *conn) watchdog(ctx context.Context) {
	ticker := time.NewTicker(c.m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(c.sess.LastBeat()) > 2*c.m.cfg.HeartbeatInterval {
				metrics.HeartbeatTimeouts.Inc()
				c.logger.Info().Msg("heartbeat timed out")
				c.close(ctx, CloseSessionTimedOut)
				return
			}
		}
	}
}

func (c *conn) write(frame []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// abort closes a connection that never reached Ready. code 0 skips the close
// frame (peer already gone).
func (c *conn) abort(code int) {
	if !c.state.CompareAndSwap(stateAwaitingIdentify, stateClosed) {
		return
	}
	if code != 0 {
		metrics.IncSessionClose(code)
		msg := websocket.FormatCloseMessage(code, CloseReason(code))
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	}
	_ = c.ws.Close()
	c.cancel()
}

// close tears down a Ready connection: Closing, best-effort close frame,
// deregistration from dispatcher / voice / presence, resume snapshot, Closed.
func (c *conn) close(ctx context.Context, code int) {
	if !c.state.CompareAndSwap(stateReady, stateClosing) {
		return
	}
	sess := c.sess
	sess.Close()

	if code != 0 {
		metrics.IncSessionClose(code)
		msg := websocket.FormatCloseMessage(code, CloseReason(code))
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	}

	c.m.dispatcher.Deregister(sess.ID)
	// Teardown must survive request-context cancellation.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if c.m.deps.Voice != nil {
		c.m.deps.Voice.Disconnect(cleanupCtx, sess)
	}
	if c.m.deps.Presence != nil {
		c.m.deps.Presence.Clear(cleanupCtx, sess.UserID, sess.Spaces())
	}
	if err := c.m.deps.Resume.Save(cleanupCtx, sess.ID, ResumeState{
		UserID:  sess.UserID,
		Bot:     sess.Bot,
		Intents: sess.Intents(),
		Spaces:  sess.Spaces(),
		Seq:     sess.Seq(),
	}); err != nil {
		c.logger.Warn().Err(err).Msg("resume snapshot failed")
	}

	_ = c.ws.Close()
	c.cancel()
	c.state.Store(stateClosed)
	c.logger.Info().Int(log.FieldCloseCode, code).Msg("session closed")
}
