package daemon

import (
	"context"
	"fmt"
	"net"
	"net/http"
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

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func testDaemonConfig(t *testing.T) config.Daemon {
	t.Helper()
	return config.Daemon{
		Listen:          freeAddr(t),
		MetricsListen:   freeAddr(t),
		ShutdownTimeout: 5 * time.Second,
	}
}

func TestNewManagerRequiresAPIHandler(t *testing.T) {
	_, err := NewManager(config.Daemon{}, Deps{})
	assert.Error(t, err)
}

func TestStartServesAndShutsDownOnCancel(t *testing.T) {
	cfg := testDaemonConfig(t)
	m, err := NewManager(cfg, Deps{APIHandler: okHandler(), MetricsHandler: okHandler()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()

	waitForServer(t, cfg.Listen)
	waitForServer(t, cfg.MetricsListen)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func TestShutdownHooksRunInReverseOrder(t *testing.T) {
	cfg := testDaemonConfig(t)
	cfg.MetricsListen = "" // metrics disabled
	m, err := NewManager(cfg, Deps{APIHandler: okHandler()})
	require.NoError(t, err)

	var order []string
	m.RegisterShutdownHook("first", func(context.Context) error {
		order = append(order, "first")
		return nil
	})
	m.RegisterShutdownHook("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	waitForServer(t, cfg.Listen)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"second", "first"}, order)
}

func TestShutdownCollectsHookErrors(t *testing.T) {
	cfg := testDaemonConfig(t)
	cfg.MetricsListen = ""
	m, err := NewManager(cfg, Deps{APIHandler: okHandler()})
	require.NoError(t, err)

	m.RegisterShutdownHook("boom", func(context.Context) error {
		return fmt.Errorf("store close failed")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Start(ctx) }()
	waitForServer(t, cfg.Listen)

	cancel()
	err = <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store close failed")
}

func TestShutdownBeforeStart(t *testing.T) {
	m, err := NewManager(testDaemonConfig(t), Deps{APIHandler: okHandler()})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Shutdown(context.Background()), ErrManagerNotStarted)
}

func TestStartFailsOnOccupiedPort(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	cfg := testDaemonConfig(t)
	cfg.Listen = l.Addr().String()
	cfg.MetricsListen = ""
	m, err := NewManager(cfg, Deps{APIHandler: okHandler()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assert.Error(t, m.Start(ctx))
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return true
	}, 5*time.Second, 20*time.Millisecond)
}
