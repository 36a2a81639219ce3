// Package voice coordinates voice-channel participation and connects joins
// to a routing backend: either the custom forwarding-node control plane or
// an external managed voice service.
package voice

import (
	"context"
	"fmt"

	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/metrics"
	"github.com/parley-im/parley/internal/registry"
)

// ServerUpdate is the payload of a voice.server_update event: either a
// forwarding endpoint (custom backend) or an external session credential.
type ServerUpdate struct {
	SpaceID   string `json:"space_id"`
	ChannelID string `json:"channel_id"`
	Backend   string `json:"backend"`
	// Custom backend fields.
	Endpoint string `json:"endpoint,omitempty"`
	NodeID   string `json:"node_id,omitempty"`
	// External backend fields.
	URL   string `json:"url,omitempty"`
	Token string `json:"token,omitempty"`
}

// Backend is the closed set of voice routing variants, selected once at
// startup. The coordinator is written against this interface only.
type Backend interface {
	// Name returns the backend selector ("custom" or "external").
	Name() string
	// Allocate yields the routing endpoint or session credential for a join.
	// Exhaustion surfaces as a retryable error.
	Allocate(ctx context.Context, userID, spaceID, channelID, region string) (ServerUpdate, error)
	// Release performs backend-side cleanup when a user leaves a channel.
	Release(ctx context.Context, userID, channelID string) error
	// Signaling reports whether the gateway relays VOICE_SIGNAL frames.
	Signaling() bool
}

// customBackend allocates forwarding nodes from the central registry.
type customBackend struct {
	reg *registry.Registry
}

// NewCustomBackend builds the forwarding-node backend.
func NewCustomBackend(reg *registry.Registry) Backend {
	return &customBackend{reg: reg}
}

func (b *customBackend) Name() string { return config.VoiceBackendCustom }

func (b *customBackend) Allocate(_ context.Context, _, spaceID, channelID, region string) (ServerUpdate, error) {
	node, err := b.reg.Allocate(region)
	if err != nil {
		metrics.IncAllocation(b.Name(), false)
		return ServerUpdate{}, fmt.Errorf("allocate forwarding node: %w", err)
	}
	metrics.IncAllocation(b.Name(), true)
	return ServerUpdate{
		SpaceID:   spaceID,
		ChannelID: channelID,
		Backend:   b.Name(),
		Endpoint:  node.Endpoint,
		NodeID:    node.ID,
	}, nil
}

func (b *customBackend) Release(context.Context, string, string) error {
	// Load is self-reported through node heartbeats; nothing to release here.
	return nil
}

func (b *customBackend) Signaling() bool { return true }
