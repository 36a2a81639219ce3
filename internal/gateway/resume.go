package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResumeState is the snapshot kept after a session closes so the client can
// RESUME instead of re-identifying. No event replay is kept; resuming only
// restores identity, filters and the sequence counter.
type ResumeState struct {
	UserID  string   `json:"user_id"`
	Bot     bool     `json:"bot"`
	Intents []string `json:"intents"`
	Spaces  []string `json:"spaces"`
	Seq     uint64   `json:"seq"`
}

// ResumeStore keeps resumable session snapshots with a TTL.
type ResumeStore interface {
	// Save stores the snapshot under the session id.
	Save(ctx context.Context, sessionID string, st ResumeState) error
	// Take atomically loads and removes a snapshot. The second return is
	// false when the session is unknown or expired.
	Take(ctx context.Context, sessionID string) (ResumeState, bool, error)
	// Delete drops a snapshot, e.g. after an explicit client close.
	Delete(ctx context.Context, sessionID string) error
}

type memoryResumeEntry struct {
	state   ResumeState
	expires time.Time
}

// MemoryResumeStore is the in-process ResumeStore used when no Redis address
// is configured.
type MemoryResumeStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryResumeEntry
	now     func() time.Time
}

// NewMemoryResumeStore creates a store whose entries expire after ttl.
func NewMemoryResumeStore(ttl time.Duration) *MemoryResumeStore {
	return &MemoryResumeStore{
		ttl:     ttl,
		entries: make(map[string]memoryResumeEntry),
		now:     time.Now,
	}
}

// Save implements ResumeStore.
func (m *MemoryResumeStore) Save(_ context.Context, sessionID string, st ResumeState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	// Opportunistic sweep keeps the map bounded without a janitor goroutine.
	for id, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, id)
		}
	}
	m.entries[sessionID] = memoryResumeEntry{state: st, expires: now.Add(m.ttl)}
	return nil
}

// Take implements ResumeStore.
func (m *MemoryResumeStore) Take(_ context.Context, sessionID string) (ResumeState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return ResumeState{}, false, nil
	}
	delete(m.entries, sessionID)
	if m.now().After(e.expires) {
		return ResumeState{}, false, nil
	}
	return e.state, true, nil
}

// Delete implements ResumeStore.
func (m *MemoryResumeStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.entries, sessionID)
	m.mu.Unlock()
	return nil
}

// RedisResumeStore keeps resumable snapshots in Redis so a restarted daemon
// (or another replica) can honor RESUME.
type RedisResumeStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisResumeStore creates a Redis-backed store.
func NewRedisResumeStore(client *redis.Client, ttl time.Duration) *RedisResumeStore {
	return &RedisResumeStore{client: client, ttl: ttl}
}

func resumeKey(sessionID string) string {
	return "parley:resume:" + sessionID
}

// Save implements ResumeStore.
func (r *RedisResumeStore) Save(ctx context.Context, sessionID string, st ResumeState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal resume state: %w", err)
	}
	if err := r.client.Set(ctx, resumeKey(sessionID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("save resume state: %w", err)
	}
	return nil
}

// Take implements ResumeStore.
func (r *RedisResumeStore) Take(ctx context.Context, sessionID string) (ResumeState, bool, error) {
	raw, err := r.client.GetDel(ctx, resumeKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ResumeState{}, false, nil
	}
	if err != nil {
		return ResumeState{}, false, fmt.Errorf("load resume state: %w", err)
	}
	var st ResumeState
	if err := json.Unmarshal(raw, &st); err != nil {
		return ResumeState{}, false, fmt.Errorf("decode resume state: %w", err)
	}
	return st, true, nil
}

// Delete implements ResumeStore.
func (r *RedisResumeStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, resumeKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete resume state: %w", err)
	}
	return nil
}
