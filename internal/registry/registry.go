// Package registry is the voice-routing control plane: it tracks forwarding
// node capacity and health, serves best-effort allocations, and reaps nodes
// whose heartbeats went stale.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	csmap "github.com/mhmtszr/concurrent-swiss-map"

	"github.com/parley-im/parley/internal/log"
	"github.com/parley-im/parley/internal/metrics"
)

// Status is a node's registry state.
type Status string

// Node statuses. Online→Offline happens only via the reaper or explicit
// deregistration.
const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ErrNoCapacity is returned when no Online node has spare capacity. It is
// retryable: callers surface it to the voice flow, never as a connection
// close.
var ErrNoCapacity = errors.New("no forwarding node with spare capacity")

// ErrUnknownNode is returned for heartbeats or deregistrations of nodes
// that never registered.
var ErrUnknownNode = errors.New("unknown forwarding node")

// Node is one forwarding node's registry row. CurrentLoad is self-reported
// and never authoritatively enforced; allocation is best-effort.
type Node struct {
	ID            string    `json:"id"`
	Endpoint      string    `json:"endpoint"`
	Region        string    `json:"region"`
	Capacity      int64     `json:"capacity"`
	CurrentLoad   int64     `json:"current_load"`
	Status        Status    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Descriptor is the registration payload of a node.
type Descriptor struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Region   string `json:"region"`
	Capacity int64  `json:"capacity"`
}

// Store persists registry rows across daemon restarts.
type Store interface {
	Put(node Node) error
	Delete(id string) error
	All() ([]Node, error)
	Close() error
}

// record serializes mutations of one row so heartbeats and the reaper never
// interleave half-updates. Disjoint nodes mutate concurrently.
type record struct {
	mu   sync.Mutex
	node Node
}

// Registry is the central node table.
type Registry struct {
	nodes  *csmap.CsMap[string, *record]
	store  Store // optional
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore attaches a durable row store; existing rows are loaded on
// construction.
func WithStore(store Store) Option {
	return func(r *Registry) { r.store = store }
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a Registry and loads rows from the store if one is attached.
func New(opts ...Option) (*Registry, error) {
	r := &Registry{
		nodes:  csmap.Create[string, *record](),
		now:    time.Now,
		logger: log.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.store != nil {
		rows, err := r.store.All()
		if err != nil {
			return nil, fmt.Errorf("load registry rows: %w", err)
		}
		for _, n := range rows {
			// A restart lost the live heartbeats; rows come back Offline and
			// recover on the next heartbeat.
			n.Status = StatusOffline
			r.nodes.Store(n.ID, &record{node: n})
		}
		r.logger.Info().Int("nodes", len(rows)).Msg("registry rows restored")
	}
	r.publishCounts()
	return r, nil
}

// Upsert registers a node or overwrites a prior registration, setting the
// row Online with a fresh heartbeat timestamp.
func (r *Registry) Upsert(desc Descriptor) Node {
	rec, _ := r.nodes.Load(desc.ID)
	if rec == nil {
		rec = &record{}
		r.nodes.SetIfAbsent(desc.ID, rec)
		// A racing registration may have won; use whichever record is stored.
		rec, _ = r.nodes.Load(desc.ID)
	}
	rec.mu.Lock()
	rec.node = Node{
		ID:            desc.ID,
		Endpoint:      desc.Endpoint,
		Region:        desc.Region,
		Capacity:      desc.Capacity,
		CurrentLoad:   rec.node.CurrentLoad,
		Status:        StatusOnline,
		LastHeartbeat: r.now(),
	}
	node := rec.node
	rec.mu.Unlock()

	r.persist(node)
	r.publishCounts()
	r.logger.Info().
		Str(log.FieldNodeID, node.ID).
		Str(log.FieldRegion, node.Region).
		Str(log.FieldEndpoint, node.Endpoint).
		Int64(log.FieldCapacity, node.Capacity).
		Msg("node registered")
	return node
}

// Heartbeat records a node's self-reported load and refreshes its heartbeat
// timestamp, bringing the node back Online if the reaper had marked it
// Offline.
func (r *Registry) Heartbeat(id string, currentLoad int64) (Node, error) {
	rec, ok := r.nodes.Load(id)
	if !ok {
		return Node{}, fmt.Errorf("heartbeat from %q: %w", id, ErrUnknownNode)
	}
	rec.mu.Lock()
	rec.node.CurrentLoad = currentLoad
	rec.node.Status = StatusOnline
	rec.node.LastHeartbeat = r.now()
	node := rec.node
	rec.mu.Unlock()

	metrics.NodeHeartbeats.Inc()
	r.persist(node)
	r.publishCounts()
	return node, nil
}

// Deregister removes the row immediately, independent of reaper timing.
func (r *Registry) Deregister(id string) error {
	if !r.nodes.Has(id) {
		return fmt.Errorf("deregister %q: %w", id, ErrUnknownNode)
	}
	r.nodes.Delete(id)
	if r.store != nil {
		if err := r.store.Delete(id); err != nil {
			r.logger.Warn().Err(err).Str(log.FieldNodeID, id).Msg("row delete failed")
		}
	}
	r.publishCounts()
	r.logger.Info().Str(log.FieldNodeID, id).Msg("node deregistered")
	return nil
}

// Allocate picks the forwarding node for a new voice participant: only
// Online nodes with spare capacity qualify; nodes in the preferred region
// win; among candidates the lowest load wins, ties broken by smallest node
// id; with no qualifying node in the region the globally least-loaded
// qualifying node is used.
func (r *Registry) Allocate(preferredRegion string) (Node, error) {
	var best, bestInRegion *Node
	r.nodes.Range(func(_ string, rec *record) bool {
		rec.mu.Lock()
		n := rec.node
		rec.mu.Unlock()
		if n.Status != StatusOnline || n.CurrentLoad >= n.Capacity {
			return false
		}
		if better(&n, best) {
			best = &n
		}
		if preferredRegion != "" && n.Region == preferredRegion && better(&n, bestInRegion) {
			bestInRegion = &n
		}
		return false
	})
	if bestInRegion != nil {
		return *bestInRegion, nil
	}
	if best != nil {
		return *best, nil
	}
	return Node{}, ErrNoCapacity
}

// better reports whether a should be chosen over the current candidate b.
func better(a, b *Node) bool {
	if b == nil {
		return true
	}
	if a.CurrentLoad != b.CurrentLoad {
		return a.CurrentLoad < b.CurrentLoad
	}
	return a.ID < b.ID
}

// MarkStale flips Online rows whose heartbeat is older than threshold to
// Offline and returns their ids. Re-marking an Offline row is a no-op; rows
// are never removed here.
func (r *Registry) MarkStale(threshold time.Duration) []string {
	now := r.now()
	var stale []string
	r.nodes.Range(func(id string, rec *record) bool {
		rec.mu.Lock()
		if rec.node.Status == StatusOnline && now.Sub(rec.node.LastHeartbeat) > threshold {
			rec.node.Status = StatusOffline
			stale = append(stale, id)
			node := rec.node
			rec.mu.Unlock()
			r.persist(node)
			return false
		}
		rec.mu.Unlock()
		return false
	})
	if len(stale) > 0 {
		metrics.NodesReaped.Add(float64(len(stale)))
		r.publishCounts()
	}
	return stale
}

// Get returns one row.
func (r *Registry) Get(id string) (Node, bool) {
	rec, ok := r.nodes.Load(id)
	if !ok {
		return Node{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.node, true
}

// Snapshot returns a copy of every row.
func (r *Registry) Snapshot() []Node {
	out := make([]Node, 0, r.nodes.Count())
	r.nodes.Range(func(_ string, rec *record) bool {
		rec.mu.Lock()
		out = append(out, rec.node)
		rec.mu.Unlock()
		return false
	})
	return out
}

func (r *Registry) persist(node Node) {
	if r.store == nil {
		return
	}
	if err := r.store.Put(node); err != nil {
		// The in-memory row stays authoritative; persistence is best-effort.
		r.logger.Warn().Err(err).Str(log.FieldNodeID, node.ID).Msg("row persist failed")
	}
}

func (r *Registry) publishCounts() {
	online, offline := 0, 0
	r.nodes.Range(func(_ string, rec *record) bool {
		rec.mu.Lock()
		if rec.node.Status == StatusOnline {
			online++
		} else {
			offline++
		}
		rec.mu.Unlock()
		return false
	})
	metrics.SetNodeCounts(online, offline)
}
