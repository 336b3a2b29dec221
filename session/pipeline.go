// Package session wires the capture, detection, codec, transport, playback
// and cost components into a single full-duplex voice pipeline.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AltairaLabs/VoiceLink/capture"
	"github.com/AltairaLabs/VoiceLink/codec"
	"github.com/AltairaLabs/VoiceLink/cost"
	"github.com/AltairaLabs/VoiceLink/logger"
	"github.com/AltairaLabs/VoiceLink/metrics"
	"github.com/AltairaLabs/VoiceLink/statestore"
	"github.com/AltairaLabs/VoiceLink/transport"
	"github.com/AltairaLabs/VoiceLink/vad"
	"github.com/AltairaLabs/VoiceLink/wire"
)

// ErrPipelineClosed is returned by operations on a closed pipeline.
var ErrPipelineClosed = errors.New("session: pipeline closed")

const (
	snapshotSaveTimeout     = 2 * time.Second
	defaultSnapshotInterval = 30 * time.Second
)

// Recorder captures microphone audio and reports per-chunk loudness.
type Recorder interface {
	OnLevel(capture.LevelFunc)
	Initialize(ctx context.Context) error
	StartRecording() error
	StopRecording() (codec.Frame, error)
	Recording() bool
	Close() error
}

// Detector turns a loudness stream into speech boundary events.
type Detector interface {
	Start()
	Stop()
	Process(level float64)
	Events() <-chan vad.Event
}

// Transport carries wire messages to and from the backend.
type Transport interface {
	Handle(t wire.Type, h transport.Handler)
	HandleError(h transport.ErrorHandler)
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg *wire.Message) (transport.SendResult, error)
	Disconnect() error
	State() transport.SessionState
	QueuedMessages() []*wire.Message
}

// Player queues decoded agent audio for sequential playback.
type Player interface {
	Enqueue(enc codec.EncodedAudio)
	Close() error
}

// Callbacks surface pipeline activity to the embedding application. All
// fields are optional and are invoked from pipeline goroutines, so they
// must not block.
type Callbacks struct {
	// OnAgentText receives complete agent replies.
	OnAgentText func(agentID, agentName, text string)

	// OnAgentStreamChunk receives incremental reply chunks.
	OnAgentStreamChunk func(agentID, chunk string, final bool)

	// OnPhaseChange mirrors transport lifecycle transitions.
	OnPhaseChange func(phase transport.Phase)

	// OnBudgetStatus fires when the ledger crosses a budget threshold.
	OnBudgetStatus func(status cost.Status, summary cost.Summary)

	// OnToolExecution reports server-side tool activity.
	OnToolExecution func(data *wire.ToolExecutionData)

	// OnServerError receives structured errors sent by the backend.
	OnServerError func(data *wire.ErrorData)

	// OnError receives local pipeline failures (encode, send, decode).
	OnError func(err error)
}

// Config assembles a Pipeline. Every component is injected by the caller;
// the pipeline owns no global state.
type Config struct {
	SessionID string

	Recorder Recorder
	Detector Detector
	Conn     Transport
	Player   Player
	Ledger   *cost.Ledger

	// Store persists session snapshots across restarts. Optional.
	Store statestore.Store

	// SnapshotInterval is how often the running pipeline flushes a
	// snapshot to Store. Zero means every 30 seconds.
	SnapshotInterval time.Duration

	Callbacks Callbacks
}

func (c *Config) validate() error {
	if c.SessionID == "" {
		return errors.New("session: SessionID is required")
	}
	if c.Recorder == nil {
		return errors.New("session: Recorder is required")
	}
	if c.Detector == nil {
		return errors.New("session: Detector is required")
	}
	if c.Conn == nil {
		return errors.New("session: Conn is required")
	}
	if c.Player == nil {
		return errors.New("session: Player is required")
	}
	if c.Ledger == nil {
		return errors.New("session: Ledger is required")
	}
	return nil
}

// Pipeline drives one voice session: microphone levels feed the detector,
// confirmed utterances are encoded and sent upstream, and agent responses
// are decoded into the playback queue. Cost updates from the server are
// applied to the ledger, which gates further sends.
type Pipeline struct {
	cfg Config

	mu         sync.Mutex
	closed     bool
	running    bool
	lastStatus cost.Status
}

// NewPipeline wires the injected components together and registers the
// inbound message handlers. The pipeline is idle until Run is called.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:        cfg,
		lastStatus: cfg.Ledger.Status(),
	}

	cfg.Recorder.OnLevel(cfg.Detector.Process)

	cfg.Conn.Handle(wire.TypeAgentResponse, p.handleAgentResponse)
	cfg.Conn.Handle(wire.TypeAgentResponseStream, p.handleAgentResponseStream)
	cfg.Conn.Handle(wire.TypeAgentResponseComplete, p.handleAgentResponseComplete)
	cfg.Conn.Handle(wire.TypeCostUpdate, p.handleCostUpdate)
	cfg.Conn.Handle(wire.TypeToolExecution, p.handleToolExecution)
	cfg.Conn.Handle(wire.TypeSystemStatus, p.handleSystemStatus)
	cfg.Conn.Handle(wire.TypeConnectionStatus, p.handleConnectionStatus)
	cfg.Conn.Handle(wire.TypeError, p.handleServerError)
	cfg.Conn.HandleError(p.handleTransportError)

	return p, nil
}

// Run connects the transport, starts capture and detection, and drives the
// speech event loop until ctx is cancelled or a component fails. It blocks
// for the lifetime of the session.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	if p.running {
		p.mu.Unlock()
		return errors.New("session: pipeline already running")
	}
	p.running = true
	p.mu.Unlock()

	ctx = logger.WithComponent(logger.WithSessionID(ctx, p.cfg.SessionID), "session")

	if err := p.restoreSnapshot(ctx); err != nil {
		logger.WarnContext(ctx, "session snapshot restore failed", "error", err)
	}

	if err := p.cfg.Conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}
	if err := p.cfg.Recorder.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize audio capture: %w", err)
	}
	p.cfg.Detector.Start()

	logger.SessionEvent(p.cfg.SessionID, "pipeline_started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.speechLoop(ctx)
	})
	if p.cfg.Store != nil {
		g.Go(func() error {
			return p.snapshotLoop(ctx)
		})
	}

	err := g.Wait()
	p.cfg.Detector.Stop()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) speechLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-p.cfg.Detector.Events():
			if !ok {
				return nil
			}
			p.handleSpeechEvent(ctx, ev)
		}
	}
}

// snapshotLoop flushes a snapshot on a fixed interval, so a crash loses at
// most one interval of cost and queue state.
func (p *Pipeline) snapshotLoop(ctx context.Context) error {
	interval := p.cfg.SnapshotInterval
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.saveSnapshot()
		}
	}
}

func (p *Pipeline) handleSpeechEvent(ctx context.Context, ev vad.Event) {
	switch ev.Kind {
	case vad.SpeechStarted:
		if err := p.cfg.Recorder.StartRecording(); err != nil {
			p.reportError(fmt.Errorf("failed to start recording: %w", err))
			return
		}
		logger.VoiceEvent(p.cfg.SessionID, "speech_started", 0)

	case vad.MaxDurationReached:
		// The detector force-ends the utterance right after this event,
		// so the send happens on the SpeechEnded that follows.
		logger.VoiceEvent(p.cfg.SessionID, "max_duration_reached", ev.Duration.Milliseconds())

	case vad.SpeechEnded:
		p.sendUtterance(ctx, ev)
	}
}

func (p *Pipeline) sendUtterance(ctx context.Context, ev vad.Event) {
	frame, err := p.cfg.Recorder.StopRecording()
	if err != nil {
		p.reportError(fmt.Errorf("failed to stop recording: %w", err))
		return
	}
	if len(frame.Samples) == 0 {
		logger.VoiceEvent(p.cfg.SessionID, "empty_utterance_discarded", ev.Duration.Milliseconds())
		return
	}

	enc, err := codec.Encode(frame)
	if err != nil {
		p.reportError(fmt.Errorf("failed to encode utterance: %w", err))
		return
	}

	audioB64 := base64.StdEncoding.EncodeToString(enc.Bytes)
	msg, err := wire.NewVoiceInput(p.cfg.SessionID, audioB64, enc.Format, enc.SampleRate, int(ev.Duration.Milliseconds()))
	if err != nil {
		p.reportError(fmt.Errorf("failed to build voice message: %w", err))
		return
	}

	metrics.RecordUtterance(ev.Duration.Seconds())

	ctx = logger.WithMessageID(ctx, msg.MessageID)
	result, err := p.cfg.Conn.Send(ctx, msg)
	if err != nil {
		if errors.Is(err, cost.ErrBudgetExceeded) {
			logger.WarnContext(ctx, "utterance blocked by budget")
		}
		p.reportError(fmt.Errorf("failed to send utterance: %w", err))
		return
	}
	logger.VoiceEvent(p.cfg.SessionID, "utterance_sent", ev.Duration.Milliseconds(),
		"bytes", len(enc.Bytes), "result", result.String())
}

// SendText sends a typed message through the session, subject to the same
// budget gate as voice input.
func (p *Pipeline) SendText(ctx context.Context, text string) (transport.SendResult, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, ErrPipelineClosed
	}

	msg, err := wire.NewTextInput(p.cfg.SessionID, text, nil)
	if err != nil {
		return 0, err
	}
	return p.cfg.Conn.Send(ctx, msg)
}

// SendCommand sends a system command such as "pause" or "reset". Commands
// bypass the budget gate.
func (p *Pipeline) SendCommand(ctx context.Context, command string, parameters map[string]interface{}) (transport.SendResult, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, ErrPipelineClosed
	}

	msg, err := wire.NewSystemCommand(p.cfg.SessionID, command, parameters)
	if err != nil {
		return 0, err
	}
	return p.cfg.Conn.Send(ctx, msg)
}

// PhaseChanged mirrors a transport phase transition into the pipeline:
// the caller should register it as the transport's phase hook. It fans the
// phase out to the configured callback and persists a fresh snapshot.
func (p *Pipeline) PhaseChanged(phase transport.Phase) {
	logger.SessionEvent(p.cfg.SessionID, "phase_changed", "phase", phase.String())
	if p.cfg.Callbacks.OnPhaseChange != nil {
		p.cfg.Callbacks.OnPhaseChange(phase)
	}
	p.saveSnapshot()
}

// Close tears the pipeline down: detection stops, capture and playback are
// released, the transport disconnects, and a final snapshot is written.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cfg.Detector.Stop()

	var errs []error
	if err := p.cfg.Recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close recorder: %w", err))
	}
	if err := p.cfg.Player.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close player: %w", err))
	}
	if err := p.cfg.Conn.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("failed to disconnect transport: %w", err))
	}
	p.saveSnapshot()

	logger.SessionEvent(p.cfg.SessionID, "pipeline_closed")
	return errors.Join(errs...)
}

func (p *Pipeline) handleAgentResponse(msg *wire.Message) {
	var data wire.AgentResponseData
	if err := msg.DecodePayload(&data); err != nil {
		p.reportError(fmt.Errorf("failed to decode agent response: %w", err))
		return
	}

	p.cfg.Ledger.AddCost(data.Cost.Decimal)
	p.publishCostState()

	if data.Audio != "" {
		p.enqueueAudio(data.Audio, data.AudioFormat)
	}
	if p.cfg.Callbacks.OnAgentText != nil && data.Message != "" {
		p.cfg.Callbacks.OnAgentText(data.AgentID, data.AgentName, data.Message)
	}
}

func (p *Pipeline) handleAgentResponseStream(msg *wire.Message) {
	var data wire.AgentResponseStreamData
	if err := msg.DecodePayload(&data); err != nil {
		p.reportError(fmt.Errorf("failed to decode response chunk: %w", err))
		return
	}
	if p.cfg.Callbacks.OnAgentStreamChunk != nil {
		p.cfg.Callbacks.OnAgentStreamChunk(data.AgentID, data.Chunk, data.IsFinal)
	}
}

func (p *Pipeline) handleAgentResponseComplete(msg *wire.Message) {
	var data wire.AgentResponseCompleteData
	if err := msg.DecodePayload(&data); err != nil {
		p.reportError(fmt.Errorf("failed to decode response completion: %w", err))
		return
	}
	// Streamed replies carry their cost only on the completion message.
	p.cfg.Ledger.AddCost(data.TotalCost.Decimal)
	p.publishCostState()
	logger.SessionEvent(p.cfg.SessionID, "agent_response_complete",
		"agent_id", data.AgentID, "tokens", data.TotalTokens)
}

func (p *Pipeline) handleCostUpdate(msg *wire.Message) {
	var data wire.CostUpdateData
	if err := msg.DecodePayload(&data); err != nil {
		p.reportError(fmt.Errorf("failed to decode cost update: %w", err))
		return
	}
	p.cfg.Ledger.ApplySnapshot(&data)
	p.publishCostState()
	p.saveSnapshot()
}

func (p *Pipeline) handleToolExecution(msg *wire.Message) {
	var data wire.ToolExecutionData
	if err := msg.DecodePayload(&data); err != nil {
		p.reportError(fmt.Errorf("failed to decode tool execution: %w", err))
		return
	}
	logger.SessionEvent(p.cfg.SessionID, "tool_execution",
		"tool", data.ToolName, "status", data.Status)
	if p.cfg.Callbacks.OnToolExecution != nil {
		p.cfg.Callbacks.OnToolExecution(&data)
	}
}

func (p *Pipeline) handleSystemStatus(msg *wire.Message) {
	var data wire.SystemStatusData
	if err := msg.DecodePayload(&data); err != nil {
		return
	}
	logger.Debug("system status",
		"session_id", p.cfg.SessionID,
		"agents_active", data.AgentsActive,
		"health", data.SystemHealth)
}

func (p *Pipeline) handleConnectionStatus(msg *wire.Message) {
	var data wire.ConnectionStatusData
	if err := msg.DecodePayload(&data); err != nil {
		return
	}
	logger.SessionEvent(p.cfg.SessionID, "connection_status",
		"status", data.Status, "server_version", data.ServerVersion)
}

func (p *Pipeline) handleServerError(msg *wire.Message) {
	var data wire.ErrorData
	if err := msg.DecodePayload(&data); err != nil {
		p.reportError(fmt.Errorf("failed to decode server error: %w", err))
		return
	}
	logger.Error("server error",
		"session_id", p.cfg.SessionID,
		"code", data.Code,
		"message", data.Message,
		"recoverable", data.Recoverable)
	if p.cfg.Callbacks.OnServerError != nil {
		p.cfg.Callbacks.OnServerError(&data)
	}
}

func (p *Pipeline) handleTransportError(msg *wire.Message, err error) {
	p.reportError(err)
}

func (p *Pipeline) enqueueAudio(audioB64, format string) {
	raw, err := base64.StdEncoding.DecodeString(audioB64)
	if err != nil {
		p.reportError(fmt.Errorf("failed to decode agent audio: %w", err))
		return
	}
	if format == "" {
		format = codec.FormatWAV
	}
	p.cfg.Player.Enqueue(codec.EncodedAudio{Bytes: raw, Format: format})
}

// publishCostState pushes the ledger state into metrics and fires the
// budget callback when the status moved across a threshold.
func (p *Pipeline) publishCostState() {
	summary := p.cfg.Ledger.Summary()
	metrics.SetSessionCost(summary.SessionCost.InexactFloat64(), summary.BudgetRemaining.InexactFloat64())

	status := p.cfg.Ledger.Status()
	p.mu.Lock()
	changed := status != p.lastStatus
	p.lastStatus = status
	p.mu.Unlock()

	if changed && p.cfg.Callbacks.OnBudgetStatus != nil {
		p.cfg.Callbacks.OnBudgetStatus(status, summary)
	}
}

func (p *Pipeline) saveSnapshot() {
	if p.cfg.Store == nil {
		return
	}

	state := p.cfg.Conn.State()
	summary := p.cfg.Ledger.Summary()
	snap := &statestore.SessionSnapshot{
		SessionID:         p.cfg.SessionID,
		Phase:             state.Phase.String(),
		ReconnectAttempts: state.ReconnectAttempts,
		QueuedMessages:    p.cfg.Conn.QueuedMessages(),
		SessionCost:       summary.SessionCost.String(),
		BudgetLimit:       summary.BudgetLimit.String(),
		BudgetRemaining:   summary.BudgetRemaining.String(),
	}
	snap.LastError = state.LastError

	ctx, cancel := context.WithTimeout(context.Background(), snapshotSaveTimeout)
	defer cancel()
	if err := p.cfg.Store.Save(ctx, snap); err != nil {
		logger.Warn("session snapshot save failed", "session_id", p.cfg.SessionID, "error", err)
	}
}

// restoreSnapshot reloads the last persisted cost figures so a restarted
// client resumes with the correct budget state. A missing snapshot is not
// an error.
func (p *Pipeline) restoreSnapshot(ctx context.Context) error {
	if p.cfg.Store == nil {
		return nil
	}

	snap, err := p.cfg.Store.Load(ctx, p.cfg.SessionID)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if snap.SessionCost == "" || snap.BudgetLimit == "" {
		return nil
	}

	var update wire.CostUpdateData
	if err := update.SessionCost.UnmarshalJSON([]byte(snap.SessionCost)); err != nil {
		return fmt.Errorf("invalid persisted session cost: %w", err)
	}
	if err := update.BudgetLimit.UnmarshalJSON([]byte(snap.BudgetLimit)); err != nil {
		return fmt.Errorf("invalid persisted budget limit: %w", err)
	}
	p.cfg.Ledger.ApplySnapshot(&update)
	p.publishCostState()
	logger.SessionEvent(p.cfg.SessionID, "snapshot_restored",
		"session_cost", snap.SessionCost, "budget_limit", snap.BudgetLimit)
	return nil
}

func (p *Pipeline) reportError(err error) {
	if err == nil {
		return
	}
	logger.Error("pipeline error", "session_id", p.cfg.SessionID, "error", err)
	if p.cfg.Callbacks.OnError != nil {
		p.cfg.Callbacks.OnError(err)
	}
}
