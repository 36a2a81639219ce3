// Package snowflake generates time-ordered unique ids: a millisecond
// timestamp shifted left 22 bits combined with a 12-bit per-millisecond
// sequence, rendered as a decimal string.
package snowflake

import (
	"strconv"
	"sync"
	"time"
)

// Epoch is 2024-01-01T00:00:00Z in Unix milliseconds.
const Epoch int64 = 1_704_067_200_000

const seqMask = 0xFFF

// Generator produces snowflake ids. The zero value is not usable; use New.
type Generator struct {
	mu   sync.Mutex
	last int64
	seq  int64
	now  func() time.Time
}

// New returns a Generator using the wall clock.
func New() *Generator {
	return &Generator{now: time.Now}
}

// NewWithClock returns a Generator with an injectable clock for tests.
func NewWithClock(now func() time.Time) *Generator {
	return &Generator{now: now}
}

// Next returns the next id as a decimal string.
func (g *Generator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UnixMilli() - Epoch
	if ts < g.last {
		// Clock went backwards; hold the last timestamp so ids stay ordered.
		ts = g.last
	}
	if ts == g.last {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// Sequence exhausted for this millisecond, wait for the next one.
			for ts <= g.last {
				ts = g.now().UnixMilli() - Epoch
			}
		}
	} else {
		g.seq = 0
	}
	g.last = ts

	id := uint64(ts)<<22 | uint64(g.seq)
	return strconv.FormatUint(id, 10)
}
