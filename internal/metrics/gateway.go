// Package metrics defines the Prometheus instrumentation for the parley daemon.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks the number of live gateway sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_gateway_sessions_active",
		Help: "Number of live gateway sessions",
	})

	// SessionCloses counts session terminations by close code.
	SessionCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_gateway_session_closes_total",
		Help: "Total session closes by close code",
	}, []string{"code"})

	// IdentifyTotal counts handshake outcomes.
	IdentifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_gateway_identify_total",
		Help: "Total IDENTIFY attempts by result",
	}, []string{"result"})

	// ResumeTotal counts resume outcomes.
	ResumeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_gateway_resume_total",
		Help: "Total RESUME attempts by result",
	}, []string{"result"})

	// EventsDispatched counts dispatcher fan-out decisions.
	EventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_dispatch_events_total",
		Help: "Total per-session dispatch decisions by event intent and result",
	}, []string{"intent", "result"})

	// QueueOverflows counts sessions force-disconnected by a full outbound queue.
	QueueOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_dispatch_queue_overflows_total",
		Help: "Total sessions disconnected because their outbound queue was full",
	})

	// HeartbeatTimeouts counts sessions closed for missing heartbeats.
	HeartbeatTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_gateway_heartbeat_timeouts_total",
		Help: "Total sessions closed after missing two heartbeat intervals",
	})
)

// Dispatch result labels.
const (
	DispatchDelivered      = "delivered"
	DispatchFilteredIntent = "filtered_intent"
	DispatchFilteredSpace  = "filtered_space"
	DispatchOverflow       = "overflow"
)

// IncDispatch records one per-session dispatch decision.
func IncDispatch(intent, result string) {
	if intent == "" {
		intent = "none"
	}
	EventsDispatched.WithLabelValues(intent, result).Inc()
}

// IncSessionClose records a session close with its close code.
func IncSessionClose(code int) {
	SessionCloses.WithLabelValues(strconv.Itoa(code)).Inc()
}
