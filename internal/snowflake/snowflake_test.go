package snowflake

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNext_StrictlyIncreasing(t *testing.T) {
	g := New()
	prev := uint64(0)
	for i := 0; i < 10_000; i++ {
		id, err := strconv.ParseUint(g.Next(), 10, 64)
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestNext_EmbedsTimestamp(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewWithClock(func() time.Time { return at })

	id, err := strconv.ParseUint(g.Next(), 10, 64)
	require.NoError(t, err)

	gotMillis := int64(id>>22) + Epoch
	assert.Equal(t, at.UnixMilli(), gotMillis)
}

func TestNext_ConcurrentUnique(t *testing.T) {
	g := New()
	const workers = 8
	const perWorker = 2000

	ids := make(chan string, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				ids <- g.Next()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]struct{}, workers*perWorker)
	for id := range ids {
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}
