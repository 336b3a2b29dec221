package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/VoiceLink/cost"
	"github.com/AltairaLabs/VoiceLink/wire"
)

// wsServer is a test WebSocket endpoint that records inbound messages and
// can push messages or drop connections.
type wsServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	refusing bool

	received chan []byte
}

func newWSServer(t *testing.T) *wsServer {
	s := &wsServer{t: t, received: make(chan []byte, 64)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	refusing := s.refusing
	s.mu.Unlock()
	if refusing {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.received <- data
	}
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// push sends a message to the most recent client.
func (s *wsServer) push(data []byte) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.t.Logf("push failed: %v", err)
	}
}

// dropClients severs all connections without a close frame.
func (s *wsServer) dropClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *wsServer) setRefusing(refusing bool) {
	s.mu.Lock()
	s.refusing = refusing
	s.mu.Unlock()
}

func (s *wsServer) expectMessage(t *testing.T) *wire.Message {
	t.Helper()
	select {
	case data := <-s.received:
		msg, err := wire.Decode(data)
		require.NoError(t, err)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func newTestSession(t *testing.T, srv *wsServer, mutate func(*SessionConfig)) *Session {
	t.Helper()
	cfg := SessionConfig{
		Conn:               NewConn(&ConnConfig{URL: srv.url()}),
		SessionID:          "sess-1",
		HeartbeatInterval:  time.Hour,
		ReconnectBaseDelay: 20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	sess, err := NewSession(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Disconnect() })
	return sess
}

func waitPhase(t *testing.T, sess *Session, want Phase) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State().Phase == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("phase = %v, want %v", sess.State().Phase, want)
}

// waitPhaseSeen drains recorded phase transitions until the wanted one
// shows up. Unlike polling, intermediate phases cannot be missed.
func waitPhaseSeen(t *testing.T, phases <-chan Phase, want Phase) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case p := <-phases:
			if p == want {
				return
			}
		case <-deadline:
			t.Fatalf("never observed phase %v", want)
		}
	}
}

// stubGate is a settable budget gate.
type stubGate struct{ allow bool }

func (g *stubGate) CanSend() bool { return g.allow }

func TestConnectAndSendAccepted(t *testing.T) {
	srv := newWSServer(t)
	sess := newTestSession(t, srv, nil)

	require.NoError(t, sess.Connect(context.Background()))
	assert.Equal(t, PhaseConnected, sess.State().Phase)

	msg, err := wire.NewTextInput("sess-1", "hello", nil)
	require.NoError(t, err)

	res, err := sess.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, SendAccepted, res)

	got := srv.expectMessage(t)
	assert.Equal(t, wire.TypeTextInput, got.Type)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.NotEmpty(t, got.MessageID)
}

func TestConnectIsIdempotent(t *testing.T) {
	srv := newWSServer(t)
	sess := newTestSession(t, srv, nil)

	require.NoError(t, sess.Connect(context.Background()))
	require.NoError(t, sess.Connect(context.Background()))
	assert.Equal(t, PhaseConnected, sess.State().Phase)
}

func TestSendWhileDisconnectedQueuesAndFlushesFIFO(t *testing.T) {
	srv := newWSServer(t)
	sess := newTestSession(t, srv, nil)

	for _, text := range []string{"first", "second", "third"} {
		msg, err := wire.NewTextInput("sess-1", text, nil)
		require.NoError(t, err)
		res, err := sess.Send(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, SendQueued, res)
	}
	assert.Equal(t, 3, sess.QueueLen())

	require.NoError(t, sess.Connect(context.Background()))

	for _, want := range []string{"first", "second", "third"} {
		got := srv.expectMessage(t)
		var payload wire.TextInputData
		require.NoError(t, got.DecodePayload(&payload))
		assert.Equal(t, want, payload.Message)
	}
	assert.Equal(t, 0, sess.QueueLen())
}

func TestBudgetGateBlocksVoiceAndTextOnly(t *testing.T) {
	srv := newWSServer(t)
	gate := &stubGate{allow: false}
	sess := newTestSession(t, srv, func(cfg *SessionConfig) { cfg.Gate = gate })

	require.NoError(t, sess.Connect(context.Background()))

	text, err := wire.NewTextInput("sess-1", "blocked", nil)
	require.NoError(t, err)
	_, err = sess.Send(context.Background(), text)
	assert.ErrorIs(t, err, cost.ErrBudgetExceeded)

	voice, err := wire.NewVoiceInput("sess-1", "AAAA", "wav", 16000, 1200)
	require.NoError(t, err)
	_, err = sess.Send(context.Background(), voice)
	assert.ErrorIs(t, err, cost.ErrBudgetExceeded)

	// Control messages pass even with the budget exhausted.
	cmd, err := wire.NewSystemCommand("sess-1", "reset_session", nil)
	require.NoError(t, err)
	res, err := sess.Send(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, SendAccepted, res)

	got := srv.expectMessage(t)
	assert.Equal(t, wire.TypeSystemCommand, got.Type)

	gate.allow = true
	_, err = sess.Send(context.Background(), text)
	require.NoError(t, err)
}

func TestDispatchByType(t *testing.T) {
	srv := newWSServer(t)
	sess := newTestSession(t, srv, nil)

	responses := make(chan *wire.Message, 4)
	costUpdates := make(chan *wire.Message, 4)
	sess.Handle(wire.TypeAgentResponse, func(msg *wire.Message) { responses <- msg })
	sess.Handle(wire.TypeCostUpdate, func(msg *wire.Message) { costUpdates <- msg })

	require.NoError(t, sess.Connect(context.Background()))

	push := func(v interface{}) {
		data, err := json.Marshal(v)
		require.NoError(t, err)
		srv.push(data)
	}

	push(map[string]interface{}{
		"type": "agent_response",
		"data": map[string]interface{}{"agent_id": "a1", "message": "hi"},
	})
	push(map[string]interface{}{
		"type": "cost_update",
		"data": map[string]interface{}{"session_cost": 0.10, "budget_limit": "1.00"},
	})
	// Unknown type is dropped without failing the session.
	push(map[string]interface{}{
		"type": "mystery_event",
		"data": map[string]interface{}{},
	})

	select {
	case msg := <-responses:
		var payload wire.AgentResponseData
		require.NoError(t, msg.DecodePayload(&payload))
		assert.Equal(t, "a1", payload.AgentID)
	case <-time.After(2 * time.Second):
		t.Fatal("agent_response not dispatched")
	}

	select {
	case <-costUpdates:
	case <-time.After(2 * time.Second):
		t.Fatal("cost_update not dispatched")
	}

	assert.Equal(t, PhaseConnected, sess.State().Phase)
}

func TestMalformedInboundGoesToErrorHandler(t *testing.T) {
	srv := newWSServer(t)
	errs := make(chan error, 4)
	sess := newTestSession(t, srv, nil)
	sess.HandleError(func(msg *wire.Message, err error) { errs <- err })

	require.NoError(t, sess.Connect(context.Background()))

	srv.push([]byte(`{"data": {"no": "type"}}`))

	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not invoked")
	}
	// The connection stays up.
	assert.Equal(t, PhaseConnected, sess.State().Phase)
}

func TestUnexpectedCloseReconnects(t *testing.T) {
	srv := newWSServer(t)
	phases := make(chan Phase, 16)
	sess := newTestSession(t, srv, func(cfg *SessionConfig) {
		cfg.OnPhaseChange = func(p Phase) { phases <- p }
	})

	require.NoError(t, sess.Connect(context.Background()))
	waitPhaseSeen(t, phases, PhaseConnected)

	srv.dropClients()

	// The session must observe the drop before assertions run against
	// the restored connection, or the send lands on the dying socket.
	waitPhaseSeen(t, phases, PhaseReconnecting)
	waitPhaseSeen(t, phases, PhaseConnected)

	// Backoff counter resets on a successful reconnect.
	state := sess.State()
	assert.Equal(t, 0, state.ReconnectAttempts)

	// The restored connection still carries traffic.
	msg, err := wire.NewTextInput("sess-1", "after reconnect", nil)
	require.NoError(t, err)
	res, err := sess.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, SendAccepted, res)
	srv.expectMessage(t)
}

func TestReconnectExhaustionSurfacesTerminalError(t *testing.T) {
	srv := newWSServer(t)
	errs := make(chan error, 4)
	sess := newTestSession(t, srv, func(cfg *SessionConfig) {
		cfg.MaxReconnectAttempts = 2
		cfg.ReconnectBaseDelay = 10 * time.Millisecond
	})
	sess.HandleError(func(msg *wire.Message, err error) { errs <- err })

	require.NoError(t, sess.Connect(context.Background()))

	srv.setRefusing(true)
	srv.dropClients()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-errs:
			if errors.Is(err, ErrReconnectExhausted) {
				waitPhase(t, sess, PhaseDisconnected)
				return
			}
		case <-deadline:
			t.Fatal("terminal error not surfaced")
		}
	}
}

func TestDisconnectIsCleanAndFinal(t *testing.T) {
	srv := newWSServer(t)
	phases := make(chan Phase, 16)
	sess := newTestSession(t, srv, func(cfg *SessionConfig) {
		cfg.OnPhaseChange = func(p Phase) { phases <- p }
	})

	require.NoError(t, sess.Connect(context.Background()))
	require.NoError(t, sess.Disconnect())

	state := sess.State()
	assert.Equal(t, PhaseDisconnected, state.Phase)
	assert.Equal(t, 0, state.ReconnectAttempts)

	// No reconnection follows a clean disconnect.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, PhaseDisconnected, sess.State().Phase)

	// Sends queue for a future Connect.
	msg, err := wire.NewTextInput("sess-1", "later", nil)
	require.NoError(t, err)
	res, err := sess.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, SendQueued, res)

	// The session can be connected again.
	require.NoError(t, sess.Connect(context.Background()))
	got := srv.expectMessage(t)
	assert.Equal(t, wire.TypeTextInput, got.Type)
}

func TestHeartbeatSentWhileConnected(t *testing.T) {
	srv := newWSServer(t)
	sess := newTestSession(t, srv, func(cfg *SessionConfig) {
		cfg.HeartbeatInterval = 50 * time.Millisecond
	})

	require.NoError(t, sess.Connect(context.Background()))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case data := <-srv.received:
			msg, err := wire.Decode(data)
			require.NoError(t, err)
			if msg.Type != wire.TypeHeartbeat {
				continue
			}
			var payload wire.HeartbeatData
			require.NoError(t, msg.DecodePayload(&payload))
			assert.NotZero(t, payload.Timestamp)
			return
		case <-deadline:
			t.Fatal("no heartbeat received")
		}
	}
}

func TestPhaseStrings(t *testing.T) {
	assert.Equal(t, "disconnected", PhaseDisconnected.String())
	assert.Equal(t, "connecting", PhaseConnecting.String())
	assert.Equal(t, "connected", PhaseConnected.String())
	assert.Equal(t, "reconnecting", PhaseReconnecting.String())
	assert.Equal(t, "accepted", SendAccepted.String())
	assert.Equal(t, "queued", SendQueued.String())
}
