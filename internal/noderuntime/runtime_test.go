package noderuntime

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parley-im/parley/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRegistry records node lifecycle calls and can simulate outage.
type fakeRegistry struct {
	mu          sync.Mutex
	failures    int // failures left before registration succeeds
	registered  bool
	heartbeats  []int64
	deregisters int
}

func (f *fakeRegistry) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/voice/nodes", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failures > 0 {
			f.failures--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		f.registered = true
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/v1/voice/nodes/{id}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			CurrentLoad int64 `json:"current_load"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.heartbeats = append(f.heartbeats, body.CurrentLoad)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("DELETE /api/v1/voice/nodes/{id}", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.deregisters++
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (f *fakeRegistry) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.heartbeats)
}

func (f *fakeRegistry) lastHeartbeat() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.heartbeats) == 0 {
		return -1
	}
	return f.heartbeats[len(f.heartbeats)-1]
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func testForwarderConfig(t *testing.T, mainURL string) config.Forwarder {
	t.Helper()
	return config.Forwarder{
		NodeID:            "test-node",
		Endpoint:          "udp://10.0.0.1:4011",
		Region:            "eu",
		Capacity:          100,
		MainURL:           mainURL,
		Listen:            freeAddr(t),
		HeartbeatInterval: 20 * time.Millisecond,
		StateDir:          t.TempDir(),
	}
}

func TestRunLifecycle(t *testing.T) {
	reg := &fakeRegistry{}
	srv := httptest.NewServer(reg.handler())
	t.Cleanup(srv.Close)

	rt, err := New(testForwarderConfig(t, srv.URL))
	require.NoError(t, err)
	rt.SetLoad(11)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	// Heartbeats carry the self-reported load.
	require.Eventually(t, func() bool { return reg.heartbeatCount() >= 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(11), reg.lastHeartbeat())

	rt.SetLoad(23)
	require.Eventually(t, func() bool { return reg.lastHeartbeat() == 23 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
	assert.Equal(t, 1, reg.deregisters, "graceful shutdown deregisters")
}

func TestRegistrationRetriesUntilRegistryAvailable(t *testing.T) {
	reg := &fakeRegistry{failures: 2}
	srv := httptest.NewServer(reg.handler())
	t.Cleanup(srv.Close)

	rt, err := New(testForwarderConfig(t, srv.URL))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.registered
	}, 10*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRegistrationAbortsOnCancel(t *testing.T) {
	// Nothing listens on this address; registration keeps retrying.
	rt, err := New(testForwarderConfig(t, "http://"+freeAddr(t)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not abort")
	}
}

func TestHealthEndpoint(t *testing.T) {
	reg := &fakeRegistry{}
	srv := httptest.NewServer(reg.handler())
	t.Cleanup(srv.Close)

	cfg := testForwarderConfig(t, srv.URL)
	rt, err := New(cfg)
	require.NoError(t, err)
	rt.SetLoad(5)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	var health struct {
		Status      string `json:"status"`
		NodeID      string `json:"node_id"`
		Region      string `json:"region"`
		CurrentLoad int64  `json:"current_load"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Listen + "/health")
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		return json.NewDecoder(resp.Body).Decode(&health) == nil
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test-node", health.NodeID)
	assert.Equal(t, "eu", health.Region)
	assert.Equal(t, int64(5), health.CurrentLoad)

	cancel()
	require.NoError(t, <-done)
}

func TestNodeIDPersistence(t *testing.T) {
	dir := t.TempDir()

	id1, err := loadOrCreateNodeID(dir)
	require.NoError(t, err)
	require.NotEmpty(t, id1)

	// Same directory yields the same identity.
	id2, err := loadOrCreateNodeID(dir)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	raw, err := os.ReadFile(filepath.Join(dir, nodeIDFile))
	require.NoError(t, err)
	assert.Equal(t, id1, strings.TrimSpace(string(raw)))

	// A different directory is a different node.
	id3, err := loadOrCreateNodeID(t.TempDir())
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}
