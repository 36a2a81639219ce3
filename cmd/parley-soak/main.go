// Package main implements the parley-soak harness. It opens many gateway
// connections, identifies, heartbeats, and validates protocol invariants
// (monotonic sequence numbers, heartbeat ACKs, clean closes) under load.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/parley-im/parley/internal/gateway"
)

// Report is the JSON output schema for soak results.
type Report struct {
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds float64   `json:"duration_s"`
	Connections     int64     `json:"connections"`
	ReadyCount      int64     `json:"ready"`
	EventsReceived  int64     `json:"events_received"`
	AcksReceived    int64     `json:"acks_received"`
	SequenceGaps    int64     `json:"sequence_gaps"`
	ConnectFailures int64     `json:"connect_failures"`
	AbnormalCloses  int64     `json:"abnormal_closes"`
	Verdict         string    `json:"verdict"`
}

type counters struct {
	connections     atomic.Int64
	ready           atomic.Int64
	events          atomic.Int64
	acks            atomic.Int64
	sequenceGaps    atomic.Int64
	connectFailures atomic.Int64
	abnormalCloses  atomic.Int64
}

func main() {
	var (
		gatewayURL  = flag.String("gateway-url", "ws://localhost:8080/gateway/", "gateway WebSocket endpoint")
		token       = flag.String("token", "", "client token (required)")
		clients     = flag.Int("clients", 50, "concurrent gateway connections")
		connectRate = flag.Float64("connect-rate", 10, "new connections per second")
		duration    = flag.Duration("duration", 1*time.Minute, "soak duration")
		heartbeat   = flag.Duration("heartbeat", 10*time.Second, "client heartbeat period")
		artifactDir = flag.String("artifact-dir", "./soak-artifacts", "output directory")
	)
	flag.Parse()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "-token is required")
		os.Exit(2)
	}

	fmt.Printf("parley-soak: %d clients against %s for %s\n", *clients, *gatewayURL, *duration)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	report := Report{StartedAt: time.Now()}
	var c counters

	limiter := rate.NewLimiter(rate.Limit(*connectRate), 1)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < *clients; i++ {
		g.Go(func() error {
			if err := limiter.Wait(ctx); err != nil {
				return nil // deadline reached before this client started
			}
			runClient(ctx, *gatewayURL, *token, *heartbeat, &c)
			return nil
		})
	}
	_ = g.Wait()

	report.EndedAt = time.Now()
	report.DurationSeconds = report.EndedAt.Sub(report.StartedAt).Seconds()
	report.Connections = c.connections.Load()
	report.ReadyCount = c.ready.Load()
	report.EventsReceived = c.events.Load()
	report.AcksReceived = c.acks.Load()
	report.SequenceGaps = c.sequenceGaps.Load()
	report.ConnectFailures = c.connectFailures.Load()
	report.AbnormalCloses = c.abnormalCloses.Load()

	report.Verdict = "PASS"
	if report.SequenceGaps > 0 || report.AbnormalCloses > 0 || report.ReadyCount == 0 {
		report.Verdict = "FAIL"
	}

	if err := writeReport(*artifactDir, report); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\nVerdict: %s (%d ready, %d events, %d acks, %d gaps, %d abnormal closes)\n",
		report.Verdict, report.ReadyCount, report.EventsReceived,
		report.AcksReceived, report.SequenceGaps, report.AbnormalCloses)
	if report.Verdict != "PASS" {
		os.Exit(1)
	}
}

// runClient drives one gateway connection: HELLO, IDENTIFY, heartbeats,
// and sequence validation until the context expires.
func runClient(ctx context.Context, url, token string, heartbeat time.Duration, c *counters) {
	c.connections.Add(1)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.connectFailures.Add(1)
		return
	}
	defer ws.Close() //nolint:errcheck

	// Close the socket when the soak window ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = ws.Close()
		case <-done:
		}
	}()

	var lastSeq uint64
	var beatTicker *time.Ticker
	identified := false

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.abnormalCloses.Add(1)
			}
			if beatTicker != nil {
				beatTicker.Stop()
			}
			return
		}

		env, err := gateway.DecodeEnvelope(raw)
		if err != nil {
			c.abnormalCloses.Add(1)
			return
		}

		switch env.Op {
		case gateway.OpHello:
			identify, _ := json.Marshal(gateway.IdentifyData{
				Token:   token,
				Intents: []string{"spaces", "messages", "voice_states"},
			})
			if err := ws.WriteJSON(gateway.Envelope{Op: gateway.OpIdentify, D: identify}); err != nil {
				return
			}
			identified = true
			beatTicker = time.NewTicker(heartbeat)
			go func() {
				for {
					select {
					case <-done:
						return
					case <-beatTicker.C:
						seq, _ := json.Marshal(atomic.LoadUint64(&lastSeq))
						_ = ws.WriteJSON(gateway.Envelope{Op: gateway.OpHeartbeat, D: seq})
					}
				}
			}()
		case gateway.OpHeartbeatACK:
			c.acks.Add(1)
		case gateway.OpEvent:
			if !identified {
				continue
			}
			if env.S != nil {
				prev := atomic.SwapUint64(&lastSeq, *env.S)
				if prev != 0 && *env.S != prev+1 {
					c.sequenceGaps.Add(1)
				}
			}
			if env.T != nil && *env.T == "ready" {
				c.ready.Add(1)
			}
			c.events.Add(1)
		}
	}
}

func writeReport(dir string, report Report) error {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fmt.Sprintf("%s/report.json", dir), data, 0600)
}
