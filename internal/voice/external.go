package voice

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parley-im/parley/internal/config"
	"github.com/parley-im/parley/internal/metrics"
)

// CredentialIssuer yields per-user session credentials for the external
// managed voice service. The service itself is an out-of-process
// collaborator; only credential issuance happens here.
type CredentialIssuer interface {
	Issue(ctx context.Context, userID, channelID string) (url, token string, err error)
}

// externalBackend skips node allocation and signaling entirely; clients
// connect straight to the managed service with the issued credential.
type externalBackend struct {
	issuer CredentialIssuer
}

// NewExternalBackend builds the managed-service backend.
func NewExternalBackend(issuer CredentialIssuer) Backend {
	return &externalBackend{issuer: issuer}
}

func (b *externalBackend) Name() string { return config.VoiceBackendExternal }

func (b *externalBackend) Allocate(ctx context.Context, userID, spaceID, channelID, _ string) (ServerUpdate, error) {
	url, token, err := b.issuer.Issue(ctx, userID, channelID)
	if err != nil {
		metrics.IncAllocation(b.Name(), false)
		return ServerUpdate{}, fmt.Errorf("issue voice credential: %w", err)
	}
	metrics.IncAllocation(b.Name(), true)
	return ServerUpdate{
		SpaceID:   spaceID,
		ChannelID: channelID,
		Backend:   b.Name(),
		URL:       url,
		Token:     token,
	}, nil
}

func (b *externalBackend) Release(context.Context, string, string) error {
	// Participant eviction is the managed service's responsibility once the
	// credential expires.
	return nil
}

func (b *externalBackend) Signaling() bool { return false }

// HMACIssuer signs short-lived join grants the managed service verifies with
// the shared secret. Token shape: base64url(claims) "." base64url(hmac).
type HMACIssuer struct {
	url    string
	key    string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewHMACIssuer builds an issuer from the external backend configuration.
func NewHMACIssuer(cfg config.Voice) *HMACIssuer {
	return &HMACIssuer{
		url:    cfg.ExternalURL,
		key:    cfg.ExternalKey,
		secret: []byte(cfg.ExternalSecret),
		ttl:    10 * time.Minute,
		now:    time.Now,
	}
}

type grantClaims struct {
	Key       string `json:"key,omitempty"`
	UserID    string `json:"sub"`
	ChannelID string `json:"room"`
	ExpiresAt int64  `json:"exp"`
}

// Issue implements CredentialIssuer.
func (i *HMACIssuer) Issue(_ context.Context, userID, channelID string) (string, string, error) {
	claims, err := json.Marshal(grantClaims{
		Key:       i.key,
		UserID:    userID,
		ChannelID: channelID,
		ExpiresAt: i.now().Add(i.ttl).Unix(),
	})
	if err != nil {
		return "", "", fmt.Errorf("marshal grant: %w", err)
	}
	body := base64.RawURLEncoding.EncodeToString(claims)
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(body))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return i.url, body + "." + sig, nil
}
