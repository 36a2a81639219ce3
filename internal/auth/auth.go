// Package auth defines the identity, membership and permission collaborators
// consumed by the gateway core. Token issuance, persistence and the full
// permission model live outside this process; the gateway only depends on
// the interfaces below.
package auth

import (
	"context"
	"errors"
)

// ErrInvalidToken is returned when a token cannot be resolved to an identity.
var ErrInvalidToken = errors.New("invalid token")

// ErrNotPermitted is returned when a permission check fails.
var ErrNotPermitted = errors.New("not permitted")

// Identity is the resolved principal behind a gateway connection.
type Identity struct {
	UserID string
	Bot    bool
}

// Resolver resolves an opaque client token to an identity.
type Resolver interface {
	Resolve(ctx context.Context, token string) (Identity, error)
}

// MembershipProvider reports space memberships.
type MembershipProvider interface {
	// SpacesFor returns the space ids the user has joined.
	SpacesFor(ctx context.Context, userID string) ([]string, error)
	// MembersOf returns the user ids joined to a space.
	MembersOf(ctx context.Context, spaceID string) ([]string, error)
}

// VoiceChecker authorizes voice-channel participation.
type VoiceChecker interface {
	CanJoinVoice(ctx context.Context, userID, spaceID, channelID string) error
}
