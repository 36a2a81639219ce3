package gateway

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueFull is returned when a session's bounded outbound queue cannot
// accept another frame. The session must then be force-disconnected so the
// client knows to resync; frames are never silently dropped.
var ErrQueueFull = errors.New("session outbound queue full")

// ErrSessionClosed is returned when sending to a session that has already
// been torn down. Callers treat it as a no-op.
var ErrSessionClosed = errors.New("session closed")

// Session is the server-side state of one live gateway connection. It is
// owned by its connection goroutine; the Dispatcher holds a registration
// handle and only ever enqueues into the bounded outbound queue.
type Session struct {
	ID     string
	UserID string
	Bot    bool

	intents map[string]struct{}

	mu     sync.RWMutex
	spaces map[string]struct{}

	// sendMu serializes sequence assignment with the enqueue: publishers on
	// different goroutines must not interleave frame n+1 ahead of frame n.
	sendMu sync.Mutex
	seq    atomic.Uint64
	out    chan []byte
	closed atomic.Bool

	lastBeat atomic.Int64 // unix nanos of the last client HEARTBEAT

	kickOnce sync.Once
	kick     func(code int)
}

// NewSession constructs a session in Ready state with the given identity,
// subscribed intents, joined spaces and outbound queue capacity. startSeq is
// the last sequence already consumed (0 for a fresh handshake, the resumed
// sequence otherwise).
func NewSession(id, userID string, bot bool, intents, spaces []string, capacity int, startSeq uint64) *Session {
	s := &Session{
		ID:      id,
		UserID:  userID,
		Bot:     bot,
		intents: make(map[string]struct{}, len(intents)),
		spaces:  make(map[string]struct{}, len(spaces)),
		out:     make(chan []byte, capacity),
	}
	for _, it := range intents {
		s.intents[it] = struct{}{}
	}
	for _, sp := range spaces {
		s.spaces[sp] = struct{}{}
	}
	s.seq.Store(startSeq)
	s.lastBeat.Store(time.Now().UnixNano())
	return s
}

// OnKick installs the force-disconnect callback invoked at most once when
// the outbound queue overflows. It must be set before the session is
// registered with the Dispatcher.
func (s *Session) OnKick(kick func(code int)) {
	s.kick = kick
}

// Out exposes the outbound frame queue to the connection's write loop.
func (s *Session) Out() <-chan []byte {
	return s.out
}

// Seq returns the last assigned sequence number.
func (s *Session) Seq() uint64 {
	return s.seq.Load()
}

// Touch records a client heartbeat.
func (s *Session) Touch() {
	s.lastBeat.Store(time.Now().UnixNano())
}

// LastBeat returns the time of the last client heartbeat.
func (s *Session) LastBeat() time.Time {
	return time.Unix(0, s.lastBeat.Load())
}

// HasIntent reports whether the session subscribed to the given intent.
// Events without a gating intent are always delivered.
func (s *Session) HasIntent(intent string) bool {
	if intent == "" {
		return true
	}
	_, ok := s.intents[intent]
	return ok
}

// Intents returns the subscribed intents.
func (s *Session) Intents() []string {
	out := make([]string, 0, len(s.intents))
	for it := range s.intents {
		out = append(out, it)
	}
	return out
}

// InSpace reports whether the session's user is joined to the space.
func (s *Session) InSpace(spaceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.spaces[spaceID]
	return ok
}

// Spaces returns the joined space ids.
func (s *Session) Spaces() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.spaces))
	for sp := range s.spaces {
		out = append(out, sp)
	}
	return out
}

// AddSpace records a membership gained while the session is live.
func (s *Session) AddSpace(spaceID string) {
	s.mu.Lock()
	s.spaces[spaceID] = struct{}{}
	s.mu.Unlock()
}

// RemoveSpace records a membership lost while the session is live.
func (s *Session) RemoveSpace(spaceID string) {
	s.mu.Lock()
	delete(s.spaces, spaceID)
	s.mu.Unlock()
}

// wants applies the session's filter predicate to an event.
func (s *Session) wants(ev Event) bool {
	if len(ev.TargetUserIDs) > 0 {
		found := false
		for _, uid := range ev.TargetUserIDs {
			if uid == s.UserID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	} else if ev.SpaceID != "" && !s.InSpace(ev.SpaceID) {
		return false
	}
	return s.HasIntent(ev.Intent())
}

// SendEvent assigns the next sequence number and enqueues an EVENT frame,
// bypassing the filter predicate. Used for READY, RESUMED and events
// addressed directly to this session.
func (s *Session) SendEvent(eventType string, payload any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	seq := s.seq.Add(1)
	frame, err := eventFrame(seq, eventType, payload)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

// SendControl enqueues a sequence-less frame (HEARTBEAT_ACK, RECONNECT, ...).
func (s *Session) SendControl(op Opcode, data any) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	frame, err := controlFrame(op, data)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

// enqueue performs the non-blocking bounded send. A full queue kicks the
// session: the publisher must never block on a slow consumer.
func (s *Session) enqueue(frame []byte) error {
	select {
	case s.out <- frame:
		return nil
	default:
		s.Kick(CloseRateLimited)
		return ErrQueueFull
	}
}

// Kick force-disconnects the session with the given close code, at most once.
func (s *Session) Kick(code int) {
	s.kickOnce.Do(func() {
		if s.kick != nil {
			s.kick(code)
		}
	})
}

// Close marks the session defunct. Publishes racing with Close degrade to
// no-ops; the queue is never closed so late sends cannot panic.
func (s *Session) Close() {
	s.closed.Store(true)
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	return s.closed.Load()
}
