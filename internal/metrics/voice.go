package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VoiceParticipants tracks active voice participants across all channels.
	VoiceParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_voice_participants_active",
		Help: "Number of users currently in a voice channel",
	})

	// VoiceAllocations counts allocation attempts by backend and result.
	VoiceAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_voice_allocations_total",
		Help: "Total voice server allocation attempts by backend and result",
	}, []string{"backend", "result"})

	// NodesOnline tracks registered forwarding nodes by status.
	NodesOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "parley_registry_nodes",
		Help: "Registered forwarding nodes by status",
	}, []string{"status"})

	// NodeHeartbeats counts heartbeats accepted by the registry.
	NodeHeartbeats = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_registry_heartbeats_total",
		Help: "Total node heartbeats accepted by the registry",
	})

	// NodesReaped counts Online to Offline transitions made by the reaper.
	NodesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_registry_nodes_reaped_total",
		Help: "Total nodes marked Offline by the staleness reaper",
	})
)

// IncAllocation records one allocation attempt outcome.
func IncAllocation(backend string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	VoiceAllocations.WithLabelValues(backend, result).Inc()
}

// SetNodeCounts updates the node status gauges.
func SetNodeCounts(online, offline int) {
	NodesOnline.WithLabelValues("online").Set(float64(online))
	NodesOnline.WithLabelValues("offline").Set(float64(offline))
}
