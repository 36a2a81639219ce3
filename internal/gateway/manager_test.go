package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-im/parley/internal/auth"
	"github.com/parley-im/parley/internal/config"
)

func testTokens() map[string]auth.StaticEntry {
	return map[string]auth.StaticEntry{
		"tok-alice": {UserID: "alice", Spaces: []string{"space-a", "space-b"}},
		"tok-bob":   {UserID: "bob", Spaces: []string{"space-a"}},
		"tok-bot":   {UserID: "botty", Bot: true, Spaces: []string{"space-a"}},
	}
}

// recordingResumeStore signals every snapshot so tests can wait for the
// server-side close sequence to finish.
type recordingResumeStore struct {
	*MemoryResumeStore
	saved chan string
}

func (r *recordingResumeStore) Save(ctx context.Context, sessionID string, st ResumeState) error {
	err := r.MemoryResumeStore.Save(ctx, sessionID, st)
	r.saved <- sessionID
	return err
}

type gatewayHarness struct {
	manager    *Manager
	dispatcher *Dispatcher
	resume     *recordingResumeStore
	url        string
}

func (h *gatewayHarness) waitForSnapshot(t *testing.T) string {
	t.Helper()
	select {
	case id := <-h.resume.saved:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("no resume snapshot was taken")
		return ""
	}
}

func newGatewayHarness(t *testing.T, cfg config.Gateway) *gatewayHarness {
	t.Helper()
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.IdentifyTimeout == 0 {
		cfg.IdentifyTimeout = time.Second
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = 16
	}
	if cfg.ResumeTTL == 0 {
		cfg.ResumeTTL = time.Minute
	}

	resolver := auth.NewStatic(testTokens())
	dispatcher := NewDispatcher()
	resume := &recordingResumeStore{
		MemoryResumeStore: NewMemoryResumeStore(cfg.ResumeTTL),
		saved:             make(chan string, 16),
	}
	manager := NewManager(cfg, dispatcher, ManagerDeps{
		Resolver:      resolver,
		Members:       resolver,
		Resume:        resume,
		ServerVersion: "test",
	})

	srv := httptest.NewServer(http.HandlerFunc(manager.HandleWS))
	t.Cleanup(srv.Close)

	return &gatewayHarness{
		manager:    manager,
		dispatcher: dispatcher,
		resume:     resume,
		url:        "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *gatewayHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	return env
}

// expectClose reads until the peer closes the socket and asserts the code.
func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.ErrorAs(t, err, &ce, "expected close frame, got %v", err)
		assert.Equal(t, code, ce.Code)
		return
	}
}

func sendEnvelope(t *testing.T, ws *websocket.Conn, op Opcode, data any) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		require.NoError(t, err)
		raw = b
	}
	require.NoError(t, ws.WriteJSON(Envelope{Op: op, D: raw}))
}

// identifyAs completes the handshake and returns the READY payload.
func identifyAs(t *testing.T, ws *websocket.Conn, token string, intents []string) ReadyData {
	t.Helper()
	hello := readEnvelope(t, ws)
	require.Equal(t, OpHello, hello.Op)

	sendEnvelope(t, ws, OpIdentify, IdentifyData{Token: token, Intents: intents})

	ready := readEnvelope(t, ws)
	require.Equal(t, OpEvent, ready.Op)
	require.NotNil(t, ready.T)
	require.Equal(t, "ready", *ready.T)
	require.NotNil(t, ready.S)
	require.Equal(t, uint64(1), *ready.S)

	data, err := DecodeData[ReadyData](ready)
	require.NoError(t, err)
	return data
}

func TestHandshakeIdentify(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)

	hello := readEnvelope(t, ws)
	require.Equal(t, OpHello, hello.Op)
	var hd HelloData
	require.NoError(t, json.Unmarshal(hello.D, &hd))
	assert.Equal(t, int64(1000), hd.HeartbeatInterval)

	sendEnvelope(t, ws, OpIdentify, IdentifyData{Token: "tok-alice", Intents: []string{IntentMessages}})
	ready := readEnvelope(t, ws)
	data, err := DecodeData[ReadyData](ready)
	require.NoError(t, err)
	assert.Equal(t, "alice", data.UserID)
	assert.ElementsMatch(t, []string{"space-a", "space-b"}, data.Spaces)
	assert.NotEmpty(t, data.SessionID)
	assert.Equal(t, "test", data.ServerVersion)
	assert.Equal(t, 1, h.dispatcher.Len())
}

// READY must be the first event frame at seq 1 even when broadcasts are
// racing with the registration of the fresh session.
func TestReadyIsFirstEventDespiteConcurrentBroadcasts(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				h.dispatcher.Publish(Event{
					Type:    "message.create",
					SpaceID: "space-a",
					Payload: map[string]string{"id": "m1"},
				})
			}
		}
	}()
	defer func() { close(stop); <-done }()

	for i := 0; i < 10; i++ {
		ws := h.dial(t)
		identifyAs(t, ws, "tok-alice", []string{IntentMessages})
		require.NoError(t, ws.Close())
	}
}

func TestHandshakeHeartbeatBeforeIdentify(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)

	require.Equal(t, OpHello, readEnvelope(t, ws).Op)
	sendEnvelope(t, ws, OpHeartbeat, 0)
	assert.Equal(t, OpHeartbeatACK, readEnvelope(t, ws).Op)

	sendEnvelope(t, ws, OpIdentify, IdentifyData{Token: "tok-alice"})

	ready := readEnvelope(t, ws)
	require.Equal(t, OpEvent, ready.Op)
	require.NotNil(t, ready.T)
	require.Equal(t, "ready", *ready.T)
	require.NotNil(t, ready.S)
	require.Equal(t, uint64(1), *ready.S)
}

func TestHandshakeInvalidToken(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)

	require.Equal(t, OpHello, readEnvelope(t, ws).Op)
	sendEnvelope(t, ws, OpIdentify, IdentifyData{Token: "nope"})
	expectClose(t, ws, CloseAuthenticationFailed)
}

func TestHandshakeUnknownIntent(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)

	require.Equal(t, OpHello, readEnvelope(t, ws).Op)
	sendEnvelope(t, ws, OpIdentify, IdentifyData{Token: "tok-alice", Intents: []string{"guilds"}})
	expectClose(t, ws, CloseInvalidIntent)
}

func TestHandshakePrivilegedIntentRequiresBot(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})

	ws := h.dial(t)
	require.Equal(t, OpHello, readEnvelope(t, ws).Op)
	sendEnvelope(t, ws, OpIdentify, IdentifyData{Token: "tok-alice", Intents: []string{IntentMembers}})
	expectClose(t, ws, CloseDisallowedIntent)

	// The same intents are accepted for a bot identity.
	ws2 := h.dial(t)
	data := identifyAs(t, ws2, "tok-bot", []string{IntentMembers, IntentPresences})
	assert.Equal(t, "botty", data.UserID)
}

func TestHandshakeIdentifyWindowExpires(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{IdentifyTimeout: 100 * time.Millisecond})
	ws := h.dial(t)

	require.Equal(t, OpHello, readEnvelope(t, ws).Op)
	expectClose(t, ws, CloseNotAuthenticated)
}

func TestHandshakeNonIdentifyOpcode(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)

	require.Equal(t, OpHello, readEnvelope(t, ws).Op)
	sendEnvelope(t, ws, OpPresenceUpdate, PresenceUpdateData{Status: "online"})
	expectClose(t, ws, CloseNotAuthenticated)
}

func TestReadyHeartbeatAck(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)
	identifyAs(t, ws, "tok-alice", nil)

	sendEnvelope(t, ws, OpHeartbeat, 1)
	assert.Equal(t, OpHeartbeatACK, readEnvelope(t, ws).Op)
}

func TestReadyDoubleIdentify(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)
	identifyAs(t, ws, "tok-alice", nil)

	sendEnvelope(t, ws, OpIdentify, IdentifyData{Token: "tok-alice"})
	expectClose(t, ws, CloseAlreadyAuthenticated)
}

func TestReadyUnknownOpcode(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)
	identifyAs(t, ws, "tok-alice", nil)

	sendEnvelope(t, ws, Opcode(42), nil)
	expectClose(t, ws, CloseUnknownOpcode)
}

func TestReadyBinaryFrame(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)
	identifyAs(t, ws, "tok-alice", nil)

	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	expectClose(t, ws, CloseDecodeError)
}

func TestReadyMalformedFrame(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)
	identifyAs(t, ws, "tok-alice", nil)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"op":`)))
	expectClose(t, ws, CloseDecodeError)
}

func TestHeartbeatTimeout(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{HeartbeatInterval: 50 * time.Millisecond})
	ws := h.dial(t)
	identifyAs(t, ws, "tok-alice", nil)

	// Send nothing; the watchdog must close after two missed intervals.
	start := time.Now()
	expectClose(t, ws, CloseSessionTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"closed before two heartbeat intervals elapsed")
}

func TestHeartbeatKeepsSessionAlive(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{HeartbeatInterval: 50 * time.Millisecond})
	ws := h.dial(t)
	identifyAs(t, ws, "tok-alice", nil)

	// Heartbeat well inside the deadline for several intervals.
	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		sendEnvelope(t, ws, OpHeartbeat, 1)
		assert.Equal(t, OpHeartbeatACK, readEnvelope(t, ws).Op)
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, 1, h.dispatcher.Len())
}

func TestEventDeliveryToConnectedSession(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)
	identifyAs(t, ws, "tok-alice", []string{IntentMessages})

	h.dispatcher.Publish(Event{
		Type:    "message.create",
		SpaceID: "space-a",
		Payload: map[string]string{"content": "hi"},
	})

	env := readEnvelope(t, ws)
	require.Equal(t, OpEvent, env.Op)
	require.NotNil(t, env.T)
	assert.Equal(t, "message.create", *env.T)
	require.NotNil(t, env.S)
	assert.Equal(t, uint64(2), *env.S) // seq 1 was READY
}

func TestResumeRestoresSession(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})

	ws := h.dial(t)
	ready := identifyAs(t, ws, "tok-alice", []string{IntentMessages})
	h.dispatcher.Publish(Event{Type: "message.create", SpaceID: "space-a"})
	env := readEnvelope(t, ws)
	require.Equal(t, uint64(2), *env.S)

	// Drop the connection and wait for the server-side snapshot.
	require.NoError(t, ws.Close())
	require.Equal(t, ready.SessionID, h.waitForSnapshot(t))

	ws2 := h.dial(t)
	require.Equal(t, OpHello, readEnvelope(t, ws2).Op)
	sendEnvelope(t, ws2, OpResume, ResumeData{Token: "tok-alice", SessionID: ready.SessionID, Seq: 2})

	resumed := readEnvelope(t, ws2)
	require.Equal(t, OpEvent, resumed.Op)
	require.NotNil(t, resumed.T)
	assert.Equal(t, "resumed", *resumed.T)
	require.NotNil(t, resumed.S)
	assert.Equal(t, uint64(3), *resumed.S, "sequence continues from the stored counter")

	// Filters survived the resume.
	h.dispatcher.Publish(Event{Type: "message.create", SpaceID: "space-a"})
	env = readEnvelope(t, ws2)
	assert.Equal(t, uint64(4), *env.S)
}

func TestResumeUnknownSession(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)
	require.Equal(t, OpHello, readEnvelope(t, ws).Op)

	sendEnvelope(t, ws, OpResume, ResumeData{Token: "tok-alice", SessionID: "no-such-session", Seq: 3})

	inv := readEnvelope(t, ws)
	require.Equal(t, OpInvalidSession, inv.Op)
	var data InvalidSessionData
	require.NoError(t, json.Unmarshal(inv.D, &data))
	assert.False(t, data.Resumable)

	// The connection stays open for a fresh IDENTIFY.
	sendEnvelope(t, ws, OpIdentify, IdentifyData{Token: "tok-alice"})
	ready := readEnvelope(t, ws)
	require.NotNil(t, ready.T)
	assert.Equal(t, "ready", *ready.T)
}

func TestResumeSequenceAheadOfServer(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})

	ws := h.dial(t)
	ready := identifyAs(t, ws, "tok-alice", nil)
	require.NoError(t, ws.Close())
	h.waitForSnapshot(t)

	ws2 := h.dial(t)
	require.Equal(t, OpHello, readEnvelope(t, ws2).Op)
	sendEnvelope(t, ws2, OpResume, ResumeData{Token: "tok-alice", SessionID: ready.SessionID, Seq: 999})
	expectClose(t, ws2, CloseInvalidSequence)
}

func TestResumeWrongUser(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})

	ws := h.dial(t)
	ready := identifyAs(t, ws, "tok-alice", nil)
	require.NoError(t, ws.Close())
	h.waitForSnapshot(t)

	// Bob may not resume Alice's session; treated as unknown.
	ws2 := h.dial(t)
	require.Equal(t, OpHello, readEnvelope(t, ws2).Op)
	sendEnvelope(t, ws2, OpResume, ResumeData{Token: "tok-bob", SessionID: ready.SessionID, Seq: 1})
	assert.Equal(t, OpInvalidSession, readEnvelope(t, ws2).Op)
}

func TestRequestMembers(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)
	identifyAs(t, ws, "tok-bot", []string{IntentMembers})

	sendEnvelope(t, ws, OpRequestMembers, RequestMembersData{SpaceID: "space-a"})

	env := readEnvelope(t, ws)
	require.Equal(t, OpEvent, env.Op)
	require.NotNil(t, env.T)
	assert.Equal(t, "member.chunk", *env.T)

	var chunk struct {
		SpaceID   string   `json:"space_id"`
		Members   []string `json:"members"`
		LastChunk bool     `json:"last_chunk"`
	}
	require.NoError(t, json.Unmarshal(env.D, &chunk))
	assert.Equal(t, "space-a", chunk.SpaceID)
	assert.ElementsMatch(t, []string{"alice", "bob", "botty"}, chunk.Members)
	assert.True(t, chunk.LastChunk)
}

func TestRequestMembersWithoutIntentIsIgnored(t *testing.T) {
	h := newGatewayHarness(t, config.Gateway{})
	ws := h.dial(t)
	identifyAs(t, ws, "tok-alice", []string{IntentMessages})

	sendEnvelope(t, ws, OpRequestMembers, RequestMembersData{SpaceID: "space-a"})

	// No chunk and no close: heartbeat still round-trips.
	sendEnvelope(t, ws, OpHeartbeat, 1)
	assert.Equal(t, OpHeartbeatACK, readEnvelope(t, ws).Op)
}
