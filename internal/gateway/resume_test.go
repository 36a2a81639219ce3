package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryResumeStoreTakeRemoves(t *testing.T) {
	store := NewMemoryResumeStore(time.Minute)
	ctx := context.Background()

	st := ResumeState{UserID: "alice", Intents: []string{IntentMessages}, Spaces: []string{"space-a"}, Seq: 7}
	require.NoError(t, store.Save(ctx, "sess-1", st))

	got, found, err := store.Take(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, st, got)

	// Take consumed the snapshot; a second attempt must fail.
	_, found, err = store.Take(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryResumeStoreExpiry(t *testing.T) {
	store := NewMemoryResumeStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "sess-1", ResumeState{UserID: "alice"}))

	now = now.Add(2 * time.Minute)
	_, found, err := store.Take(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryResumeStoreDelete(t *testing.T) {
	store := NewMemoryResumeStore(time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "sess-1", ResumeState{UserID: "alice"}))
	require.NoError(t, store.Delete(ctx, "sess-1"))

	_, found, err := store.Take(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisResumeStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisResumeStore(client, time.Minute)
	ctx := context.Background()

	st := ResumeState{UserID: "alice", Bot: true, Intents: []string{IntentMembers}, Spaces: []string{"space-a"}, Seq: 99}
	require.NoError(t, store.Save(ctx, "sess-1", st))

	got, found, err := store.Take(ctx, "sess-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, st, got)

	// GetDel semantics: the snapshot is single-use.
	_, found, err = store.Take(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisResumeStoreTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisResumeStore(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "sess-1", ResumeState{UserID: "alice"}))
	mr.FastForward(2 * time.Minute)

	_, found, err := store.Take(ctx, "sess-1")
	require.NoError(t, err)
	assert.False(t, found)
}
