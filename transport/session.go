package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/AltairaLabs/VoiceLink/cost"
	"github.com/AltairaLabs/VoiceLink/metrics"
	"github.com/AltairaLabs/VoiceLink/wire"
)

// Default session constants.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultReconnectBaseDelay   = 1 * time.Second
	DefaultMaxReconnectAttempts = 5

	// inboundBufferSize is the buffer between the socket reader and the
	// dispatch loop.
	inboundBufferSize = 16
)

// Session errors.
var (
	// ErrCleanClose signals the peer or the caller closed the connection
	// normally; no reconnection follows.
	ErrCleanClose = errors.New("transport: connection closed cleanly")

	// ErrReconnectExhausted is surfaced via the error handler when all
	// reconnection attempts have failed.
	ErrReconnectExhausted = errors.New("transport: reconnection attempts exhausted")
)

// Phase represents the connection lifecycle phase.
type Phase int

const (
	// PhaseDisconnected indicates no connection and no pending reconnect.
	PhaseDisconnected Phase = iota
	// PhaseConnecting indicates a dial in progress.
	PhaseConnecting
	// PhaseConnected indicates an established connection.
	PhaseConnected
	// PhaseReconnecting indicates a reconnect is scheduled or in progress.
	PhaseReconnecting
)

// String returns a human-readable representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SendResult reports how Send handled a message.
type SendResult int

const (
	// SendAccepted means the message was transmitted immediately.
	SendAccepted SendResult = iota
	// SendQueued means the message was appended to the outbound queue for
	// delivery on reconnect.
	SendQueued
)

// String returns a human-readable representation of the send result.
func (r SendResult) String() string {
	switch r {
	case SendAccepted:
		return "accepted"
	case SendQueued:
		return "queued"
	default:
		return "unknown"
	}
}

// Handler processes one inbound message of a registered type.
type Handler func(msg *wire.Message)

// ErrorHandler receives malformed inbound payloads (msg non-nil) and
// terminal session errors (msg nil).
type ErrorHandler func(msg *wire.Message, err error)

// BudgetGate decides whether cost-incurring messages may be sent.
// cost.Ledger implements it.
type BudgetGate interface {
	CanSend() bool
}

// SessionState is a snapshot of the session lifecycle.
type SessionState struct {
	SessionID         string
	Phase             Phase
	ReconnectAttempts int
	LastError         string
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// Conn is the underlying WebSocket connection. Required.
	Conn *Conn

	// SessionID is stamped on outbound messages. Immutable for the
	// session's lifetime.
	SessionID string

	// HeartbeatInterval between heartbeat wire messages while connected.
	// Defaults to DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// ReconnectBaseDelay is the first backoff delay; doubled per attempt.
	// Defaults to DefaultReconnectBaseDelay.
	ReconnectBaseDelay time.Duration

	// MaxReconnectAttempts bounds reconnection after an unexpected close.
	// Defaults to DefaultMaxReconnectAttempts.
	MaxReconnectAttempts int

	// Gate rejects voice and text sends when the budget is exhausted.
	// Optional. Control messages always pass.
	Gate BudgetGate

	// OnPhaseChange is called after each phase transition. Optional.
	OnPhaseChange func(phase Phase)

	// Logger for session-level messages. Optional.
	Logger Logger
}

func (c *SessionConfig) defaults() error {
	if c.Conn == nil {
		return errors.New("transport: SessionConfig.Conn is required")
	}
	if c.SessionID == "" {
		return errors.New("transport: SessionConfig.SessionID is required")
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
	return nil
}

// Session owns the socket lifecycle: the Disconnected/Connecting/Connected/
// Reconnecting state machine, heartbeats, the outbound queue, and inbound
// dispatch. Dispatch runs on a single goroutine in arrival order.
type Session struct {
	conn *Conn
	cfg  SessionConfig

	mu             sync.Mutex
	phase          Phase
	attempts       int
	lastErr        string
	queue          []*wire.Message
	handlers       map[wire.Type]Handler
	errorHandler   ErrorHandler
	reconnectTimer *time.Timer
	runCancel      context.CancelFunc

	// gen invalidates loop-exit notifications from torn-down connections.
	gen uint64
}

// NewSession creates a Session. Call Connect to establish the connection.
func NewSession(cfg SessionConfig) (*Session, error) {
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	return &Session{
		conn:     cfg.Conn,
		cfg:      cfg,
		phase:    PhaseDisconnected,
		handlers: make(map[wire.Type]Handler),
	}, nil
}

// Handle registers the handler for one message type. Later registrations for
// the same type replace earlier ones. Not safe to call after Connect.
func (s *Session) Handle(t wire.Type, h Handler) {
	s.handlers[t] = h
}

// HandleError registers the handler for malformed payloads and terminal
// errors. Not safe to call after Connect.
func (s *Session) HandleError(h ErrorHandler) {
	s.errorHandler = h
}

// State returns a snapshot of the session lifecycle.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionState{
		SessionID:         s.cfg.SessionID,
		Phase:             s.phase,
		ReconnectAttempts: s.attempts,
		LastError:         s.lastErr,
	}
}

// QueueLen returns the current outbound queue depth.
func (s *Session) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// QueuedMessages returns a copy of the outbound queue in FIFO order, for
// snapshot persistence.
func (s *Session) QueuedMessages() []*wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.Message, len(s.queue))
	copy(out, s.queue)
	return out
}

// Connect establishes the connection. Idempotent: a no-op while a connection
// exists or is being established. On success the outbound queue is flushed
// in FIFO order and the heartbeat and receive loops start.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.phase {
	case PhaseConnecting, PhaseConnected, PhaseReconnecting:
		s.mu.Unlock()
		return nil
	case PhaseDisconnected:
	}
	s.phase = PhaseConnecting
	s.mu.Unlock()
	s.notifyPhase(PhaseConnecting)

	// A previous Disconnect leaves the Conn closed; reset for a fresh dial.
	if !s.conn.IsConnected() {
		s.conn.Reset()
	}

	if err := s.conn.Connect(ctx); err != nil {
		s.mu.Lock()
		s.phase = PhaseDisconnected
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.notifyPhase(PhaseDisconnected)
		return err
	}

	s.onConnected()
	return nil
}

// Send transmits msg immediately when connected (SendAccepted) or appends it
// to the outbound queue (SendQueued). Voice and text messages are rejected
// with cost.ErrBudgetExceeded when the budget gate refuses; system commands
// and heartbeats always pass. A write failure on an open socket is returned
// to the caller and does not trigger reconnection.
func (s *Session) Send(ctx context.Context, msg *wire.Message) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if msg.Type == wire.TypeVoiceInput || msg.Type == wire.TypeTextInput {
		if s.cfg.Gate != nil && !s.cfg.Gate.CanSend() {
			metrics.RecordMessageSent(string(msg.Type), metrics.StatusError)
			return 0, cost.ErrBudgetExceeded
		}
	}

	s.mu.Lock()
	if s.phase != PhaseConnected {
		s.queue = append(s.queue, msg)
		depth := len(s.queue)
		s.mu.Unlock()
		metrics.RecordMessageQueued(string(msg.Type))
		metrics.SetOutboundQueueDepth(depth)
		s.cfg.Logger.Debug("message queued", "type", msg.Type, "queue_depth", depth)
		return SendQueued, nil
	}
	s.mu.Unlock()

	if err := s.transmit(msg); err != nil {
		metrics.RecordMessageSent(string(msg.Type), metrics.StatusError)
		return 0, err
	}
	metrics.RecordMessageSent(string(msg.Type), metrics.StatusSuccess)
	return SendAccepted, nil
}

// Disconnect shuts the session down cleanly: timers and loops are canceled,
// the socket closes with a normal-closure frame, attempts reset, and no
// reconnection follows. Queued messages are retained for a later Connect.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	s.gen++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	cancel := s.runCancel
	s.runCancel = nil
	s.attempts = 0
	s.phase = PhaseDisconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := s.conn.Close()
	s.notifyPhase(PhaseDisconnected)
	return err
}

func (s *Session) transmit(msg *wire.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.conn.SendRaw(data)
}

// onConnected moves to Connected, flushes the queue, and starts the run
// loop for this connection generation.
func (s *Session) onConnected() {
	s.mu.Lock()
	s.phase = PhaseConnected
	s.attempts = 0
	s.lastErr = ""
	s.gen++
	gen := s.gen

	ctx, cancel := context.WithCancel(context.Background())
	if s.runCancel != nil {
		s.runCancel()
	}
	s.runCancel = cancel
	s.mu.Unlock()

	s.notifyPhase(PhaseConnected)
	s.flushQueue()

	go s.runLoop(ctx, gen)
}

// flushQueue drains the outbound queue strictly in order. On a write
// failure the unsent remainder goes back to the front of the queue.
func (s *Session) flushQueue() {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	if len(pending) == 0 {
		metrics.SetOutboundQueueDepth(0)
		return
	}

	s.cfg.Logger.Info("flushing outbound queue", "count", len(pending))
	for i, msg := range pending {
		if err := s.transmit(msg); err != nil {
			s.cfg.Logger.Warn("queue flush interrupted", "sent", i, "remaining", len(pending)-i, "error", err)
			s.mu.Lock()
			s.queue = append(pending[i:], s.queue...)
			depth := len(s.queue)
			s.mu.Unlock()
			metrics.SetOutboundQueueDepth(depth)
			return
		}
		metrics.RecordMessageSent(string(msg.Type), metrics.StatusSuccess)
	}
	metrics.SetOutboundQueueDepth(0)
}

// runLoop is the single goroutine serving one connection: it dispatches
// inbound messages in arrival order and sends heartbeats.
func (s *Session) runLoop(ctx context.Context, gen uint64) {
	msgCh := make(chan []byte, inboundBufferSize)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.conn.ReceiveLoop(ctx, msgCh)
	}()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case data := <-msgCh:
			s.dispatch(data)

		case err := <-errCh:
			// Drain messages that arrived before the close.
			for {
				select {
				case data := <-msgCh:
					s.dispatch(data)
					continue
				default:
				}
				break
			}
			s.connectionLost(gen, err)
			return

		case <-ticker.C:
			s.sendHeartbeat()
		}
	}
}

// dispatch routes one inbound message to its registered handler. Unknown
// types are logged and dropped; malformed messages go to the error handler
// without closing the connection.
func (s *Session) dispatch(data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		s.cfg.Logger.Warn("malformed inbound message", "error", err)
		if s.errorHandler != nil {
			s.errorHandler(nil, err)
		}
		return
	}

	metrics.RecordMessageReceived(string(msg.Type))

	handler, ok := s.handlers[msg.Type]
	if !ok {
		s.cfg.Logger.Debug("no handler for message type, dropping", "type", msg.Type)
		return
	}
	handler(msg)
}

func (s *Session) sendHeartbeat() {
	msg, err := wire.NewHeartbeat(s.cfg.SessionID)
	if err != nil {
		s.cfg.Logger.Warn("heartbeat build failed", "error", err)
		return
	}
	if err := s.transmit(msg); err != nil {
		s.cfg.Logger.Warn("heartbeat send failed", "error", err)
		return
	}
	metrics.RecordMessageSent(string(wire.TypeHeartbeat), metrics.StatusSuccess)
}

// connectionLost handles the receive loop ending. A clean close goes to
// Disconnected; an unexpected close schedules a reconnect with exponential
// backoff until attempts are exhausted.
func (s *Session) connectionLost(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.gen {
		// A newer connection superseded this one.
		s.mu.Unlock()
		return
	}

	if err == nil || errors.Is(err, ErrCleanClose) || errors.Is(err, context.Canceled) {
		s.phase = PhaseDisconnected
		s.mu.Unlock()
		s.notifyPhase(PhaseDisconnected)
		return
	}

	s.lastErr = err.Error()
	s.mu.Unlock()
	s.cfg.Logger.Warn("connection lost", "error", err)
	s.scheduleReconnect()
}

// scheduleReconnect books the next reconnect attempt, or gives up when
// attempts are exhausted.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.attempts = 0
		s.phase = PhaseDisconnected
		s.mu.Unlock()
		s.notifyPhase(PhaseDisconnected)
		s.cfg.Logger.Error("reconnection attempts exhausted")
		metrics.RecordReconnect("exhausted")
		if s.errorHandler != nil {
			s.errorHandler(nil, ErrReconnectExhausted)
		}
		return
	}

	s.attempts++
	attempt := s.attempts
	delay := s.cfg.ReconnectBaseDelay * (1 << (attempt - 1))
	s.phase = PhaseReconnecting
	s.reconnectTimer = time.AfterFunc(delay, s.reconnect)
	s.mu.Unlock()

	s.notifyPhase(PhaseReconnecting)
	s.cfg.Logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

// reconnect runs one scheduled reconnection attempt.
func (s *Session) reconnect() {
	s.mu.Lock()
	if s.phase != PhaseReconnecting {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.mu.Unlock()

	s.conn.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Conn.cfg.DialTimeout)
	err := s.conn.Connect(ctx)
	cancel()
	if err != nil {
		metrics.RecordReconnect(metrics.StatusError)
		s.mu.Lock()
		s.lastErr = err.Error()
		s.mu.Unlock()
		s.cfg.Logger.Warn("reconnect attempt failed", "error", err)
		s.scheduleReconnect()
		return
	}

	metrics.RecordReconnect(metrics.StatusSuccess)
	s.cfg.Logger.Info("reconnected")
	s.onConnected()
}

func (s *Session) notifyPhase(p Phase) {
	if s.cfg.OnPhaseChange != nil {
		s.cfg.OnPhaseChange(p)
	}
}
