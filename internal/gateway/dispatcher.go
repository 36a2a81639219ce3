package gateway

import (
	"github.com/rs/zerolog"

	csmap "github.com/mhmtszr/concurrent-swiss-map"

	"github.com/parley-im/parley/internal/log"
	"github.com/parley-im/parley/internal/metrics"
)

// Dispatcher is the single broadcast point: a domain event is published once
// and fanned out to every live session, each applying its own filter
// predicate and bounded queue. No cross-session ordering is promised;
// per-session enqueue order is delivery order.
type Dispatcher struct {
	sessions *csmap.CsMap[string, *Session]
	logger   zerolog.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		sessions: csmap.Create[string, *Session](
			csmap.WithShardCount[string, *Session](64),
		),
		logger: log.WithComponent("dispatcher"),
	}
}

// Register adds a session to the fan-out set.
func (d *Dispatcher) Register(s *Session) {
	d.sessions.Store(s.ID, s)
	metrics.SessionsActive.Set(float64(d.sessions.Count()))
}

// Deregister removes a session from the fan-out set. Publishes racing with
// deregistration may still enqueue into the departing session's queue; that
// is tolerated because the queue is never closed.
func (d *Dispatcher) Deregister(sessionID string) {
	d.sessions.Delete(sessionID)
	metrics.SessionsActive.Set(float64(d.sessions.Count()))
}

// Len returns the number of registered sessions.
func (d *Dispatcher) Len() int {
	return d.sessions.Count()
}

// Publish fans an event out to all live sessions. Delivery to each session
// is independent: a full or defunct target never blocks the publisher or
// other recipients.
func (d *Dispatcher) Publish(ev Event) {
	intent := ev.Intent()
	d.sessions.Range(func(_ string, s *Session) bool {
		if !s.wants(ev) {
			if intent != "" && !s.HasIntent(intent) {
				metrics.IncDispatch(intent, metrics.DispatchFilteredIntent)
			} else {
				metrics.IncDispatch(intent, metrics.DispatchFilteredSpace)
			}
			return false
		}
		switch err := s.SendEvent(ev.Type, ev.Payload); err {
		case nil:
			metrics.IncDispatch(intent, metrics.DispatchDelivered)
		case ErrQueueFull:
			metrics.IncDispatch(intent, metrics.DispatchOverflow)
			metrics.QueueOverflows.Inc()
			d.logger.Warn().
				Str(log.FieldSessionID, s.ID).
				Str(log.FieldUserID, s.UserID).
				Str(log.FieldEventType, ev.Type).
				Msg("outbound queue full, session kicked")
		case ErrSessionClosed:
			// Racing with teardown; tolerated as a no-op.
		default:
			d.logger.Error().Err(err).
				Str(log.FieldSessionID, s.ID).
				Str(log.FieldEventType, ev.Type).
				Msg("event delivery failed")
		}
		return false
	})
}

// UpdateMembership adjusts the joined-space set of every live session of the
// given user. Called when an external collaborator reports a membership
// change so space-scoped filtering tracks reality without a reconnect.
func (d *Dispatcher) UpdateMembership(userID, spaceID string, joined bool) {
	d.sessions.Range(func(_ string, s *Session) bool {
		if s.UserID != userID {
			return false
		}
		if joined {
			s.AddSpace(spaceID)
		} else {
			s.RemoveSpace(spaceID)
		}
		return false
	})
}

// SessionsOf returns the live sessions belonging to a user.
func (d *Dispatcher) SessionsOf(userID string) []*Session {
	var out []*Session
	d.sessions.Range(func(_ string, s *Session) bool {
		if s.UserID == userID {
			out = append(out, s)
		}
		return false
	})
	return out
}
