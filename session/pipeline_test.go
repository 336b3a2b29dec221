package session

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AltairaLabs/VoiceLink/capture"
	"github.com/AltairaLabs/VoiceLink/codec"
	"github.com/AltairaLabs/VoiceLink/cost"
	"github.com/AltairaLabs/VoiceLink/statestore"
	"github.com/AltairaLabs/VoiceLink/transport"
	"github.com/AltairaLabs/VoiceLink/vad"
	"github.com/AltairaLabs/VoiceLink/wire"
)

type stubRecorder struct {
	mu          sync.Mutex
	level       capture.LevelFunc
	initialized bool
	recording   bool
	closed      bool
	frame       codec.Frame
	stopErr     error
}

func (r *stubRecorder) OnLevel(fn capture.LevelFunc) { r.level = fn }

func (r *stubRecorder) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.initialized = true
	return nil
}

func (r *stubRecorder) StartRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = true
	return nil
}

func (r *stubRecorder) StopRecording() (codec.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recording = false
	return r.frame, r.stopErr
}

func (r *stubRecorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

func (r *stubRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type stubDetector struct {
	mu      sync.Mutex
	events  chan vad.Event
	started bool
	stopped bool
	levels  []float64
}

func newStubDetector() *stubDetector {
	return &stubDetector{events: make(chan vad.Event, 16)}
}

func (d *stubDetector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
}

func (d *stubDetector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
}

func (d *stubDetector) Process(level float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.levels = append(d.levels, level)
}

func (d *stubDetector) Events() <-chan vad.Event { return d.events }

func (d *stubDetector) emit(ev vad.Event) { d.events <- ev }

type stubTransport struct {
	mu         sync.Mutex
	handlers   map[wire.Type]transport.Handler
	errHandler transport.ErrorHandler
	sent       []*wire.Message
	queued     []*wire.Message
	sendErr    error
	connected  bool
	state      transport.SessionState
}

func newStubTransport() *stubTransport {
	return &stubTransport{handlers: make(map[wire.Type]transport.Handler)}
}

func (t *stubTransport) Handle(typ wire.Type, h transport.Handler) {
	t.handlers[typ] = h
}

func (t *stubTransport) HandleError(h transport.ErrorHandler) { t.errHandler = h }

func (t *stubTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	return nil
}

func (t *stubTransport) Send(ctx context.Context, msg *wire.Message) (transport.SendResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return 0, t.sendErr
	}
	t.sent = append(t.sent, msg)
	return transport.SendAccepted, nil
}

func (t *stubTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	return nil
}

func (t *stubTransport) State() transport.SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *stubTransport) QueuedMessages() []*wire.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*wire.Message, len(t.queued))
	copy(out, t.queued)
	return out
}

// deliver simulates an inbound message reaching the registered handler.
func (t *stubTransport) deliver(tb testing.TB, typ wire.Type, payload interface{}) {
	tb.Helper()
	msg, err := wire.New(typ, "sess-1", payload)
	require.NoError(tb, err)
	h, ok := t.handlers[typ]
	require.True(tb, ok, "no handler registered for %s", typ)
	h(msg)
}

func (t *stubTransport) sentMessages() []*wire.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*wire.Message, len(t.sent))
	copy(out, t.sent)
	return out
}

type stubPlayer struct {
	mu       sync.Mutex
	enqueued []codec.EncodedAudio
	closed   bool
}

func (p *stubPlayer) Enqueue(enc codec.EncodedAudio) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued = append(p.enqueued, enc)
}

func (p *stubPlayer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *stubPlayer) items() []codec.EncodedAudio {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]codec.EncodedAudio, len(p.enqueued))
	copy(out, p.enqueued)
	return out
}

type fixture struct {
	recorder *stubRecorder
	detector *stubDetector
	conn     *stubTransport
	player   *stubPlayer
	ledger   *cost.Ledger
	pipeline *Pipeline
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		recorder: &stubRecorder{},
		detector: newStubDetector(),
		conn:     newStubTransport(),
		player:   &stubPlayer{},
	}

	ledger, err := cost.NewLedger("sess-1", cost.Config{
		BudgetLimit: decimal.NewFromFloat(10),
	})
	require.NoError(t, err)
	f.ledger = ledger

	cfg := Config{
		SessionID: "sess-1",
		Recorder:  f.recorder,
		Detector:  f.detector,
		Conn:      f.conn,
		Player:    f.player,
		Ledger:    ledger,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := NewPipeline(cfg)
	require.NoError(t, err)
	f.pipeline = p
	return f
}

// run starts the pipeline in the background and returns a cancel that also
// waits for Run to return.
func (f *fixture) run(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.recorder.mu.Lock()
		defer f.recorder.mu.Unlock()
		return f.recorder.initialized
	}, time.Second, 5*time.Millisecond)

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
}

func waitForSent(t *testing.T, conn *stubTransport, n int) []*wire.Message {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(conn.sentMessages()) >= n
	}, time.Second, 5*time.Millisecond)
	return conn.sentMessages()
}

func toneFrame(n int) codec.Frame {
	samples := make([]float64, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return codec.Frame{Samples: samples, SampleRate: 16000, Channels: 1}
}

func TestNewPipelineValidation(t *testing.T) {
	_, err := NewPipeline(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SessionID")
}

func TestSpeechEndSendsVoiceInput(t *testing.T) {
	f := newFixture(t, nil)
	f.recorder.frame = toneFrame(1600)

	stop := f.run(t)
	defer stop()

	f.detector.emit(vad.Event{Kind: vad.SpeechStarted, Timestamp: time.Now()})
	require.Eventually(t, func() bool { return f.recorder.Recording() }, time.Second, 5*time.Millisecond)

	f.detector.emit(vad.Event{Kind: vad.SpeechEnded, Timestamp: time.Now(), Duration: 100 * time.Millisecond})
	sent := waitForSent(t, f.conn, 1)

	msg := sent[0]
	assert.Equal(t, wire.TypeVoiceInput, msg.Type)
	assert.Equal(t, "sess-1", msg.SessionID)

	var data wire.VoiceInputData
	require.NoError(t, msg.DecodePayload(&data))
	assert.Equal(t, codec.FormatWAV, data.Format)
	assert.Equal(t, 16000, data.SampleRate)
	assert.Equal(t, 100, data.DurationMs)

	enc, err := codec.Encode(f.recorder.frame)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(enc.Bytes), data.Audio)
}

func TestMaxDurationThenForcedEndSendsOnce(t *testing.T) {
	f := newFixture(t, nil)
	f.recorder.frame = toneFrame(1600)

	stop := f.run(t)
	defer stop()

	f.detector.emit(vad.Event{Kind: vad.SpeechStarted, Timestamp: time.Now()})
	f.detector.emit(vad.Event{Kind: vad.MaxDurationReached, Timestamp: time.Now(), Duration: 30 * time.Second})
	f.detector.emit(vad.Event{Kind: vad.SpeechEnded, Timestamp: time.Now(), Duration: 30 * time.Second})

	sent := waitForSent(t, f.conn, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.conn.sentMessages(), len(sent))
	assert.Equal(t, wire.TypeVoiceInput, sent[0].Type)
}

func TestEmptyUtteranceDiscarded(t *testing.T) {
	f := newFixture(t, nil)

	stop := f.run(t)
	defer stop()

	f.detector.emit(vad.Event{Kind: vad.SpeechStarted, Timestamp: time.Now()})
	f.detector.emit(vad.Event{Kind: vad.SpeechEnded, Timestamp: time.Now(), Duration: 600 * time.Millisecond})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.conn.sentMessages())
}

func TestSendFailureReachesErrorCallback(t *testing.T) {
	var mu sync.Mutex
	var got []error
	f := newFixture(t, func(cfg *Config) {
		cfg.Callbacks.OnError = func(err error) {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, err)
		}
	})
	f.recorder.frame = toneFrame(1600)
	f.conn.sendErr = cost.ErrBudgetExceeded

	stop := f.run(t)
	defer stop()

	f.detector.emit(vad.Event{Kind: vad.SpeechStarted, Timestamp: time.Now()})
	f.detector.emit(vad.Event{Kind: vad.SpeechEnded, Timestamp: time.Now(), Duration: 600 * time.Millisecond})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.ErrorIs(t, got[0], cost.ErrBudgetExceeded)
}

func TestAgentResponseEnqueuesAudioAndReportsText(t *testing.T) {
	var mu sync.Mutex
	var gotText string
	f := newFixture(t, func(cfg *Config) {
		cfg.Callbacks.OnAgentText = func(agentID, agentName, text string) {
			mu.Lock()
			defer mu.Unlock()
			gotText = text
		}
	})

	enc, err := codec.Encode(toneFrame(160))
	require.NoError(t, err)

	f.conn.deliver(t, wire.TypeAgentResponse, wire.AgentResponseData{
		AgentID:     "agent-1",
		Message:     "hello there",
		Audio:       base64.StdEncoding.EncodeToString(enc.Bytes),
		AudioFormat: codec.FormatWAV,
		Cost:        wire.DecimalFromFloat(0.02),
	})

	items := f.player.items()
	require.Len(t, items, 1)
	assert.Equal(t, codec.FormatWAV, items[0].Format)
	assert.Equal(t, enc.Bytes, items[0].Bytes)

	mu.Lock()
	assert.Equal(t, "hello there", gotText)
	mu.Unlock()

	assert.Equal(t, "0.02", f.ledger.Summary().SessionCost.String())
}

func TestAgentResponseDefaultsAudioFormat(t *testing.T) {
	f := newFixture(t, nil)

	f.conn.deliver(t, wire.TypeAgentResponse, wire.AgentResponseData{
		AgentID: "agent-1",
		Message: "ok",
		Audio:   base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
	})

	items := f.player.items()
	require.Len(t, items, 1)
	assert.Equal(t, codec.FormatWAV, items[0].Format)
}

func TestStreamChunksAndCompletion(t *testing.T) {
	var mu sync.Mutex
	var chunks []string
	var finals []bool
	f := newFixture(t, func(cfg *Config) {
		cfg.Callbacks.OnAgentStreamChunk = func(agentID, chunk string, final bool) {
			mu.Lock()
			defer mu.Unlock()
			chunks = append(chunks, chunk)
			finals = append(finals, final)
		}
	})

	f.conn.deliver(t, wire.TypeAgentResponseStream, wire.AgentResponseStreamData{AgentID: "a", Chunk: "hel", ChunkIndex: 0})
	f.conn.deliver(t, wire.TypeAgentResponseStream, wire.AgentResponseStreamData{AgentID: "a", Chunk: "lo", ChunkIndex: 1, IsFinal: true})
	f.conn.deliver(t, wire.TypeAgentResponseComplete, wire.AgentResponseCompleteData{
		AgentID:   "a",
		TotalCost: wire.DecimalFromFloat(0.05),
	})

	mu.Lock()
	assert.Equal(t, []string{"hel", "lo"}, chunks)
	assert.Equal(t, []bool{false, true}, finals)
	mu.Unlock()

	assert.Equal(t, "0.05", f.ledger.Summary().SessionCost.String())
}

func TestCostUpdateFiresBudgetCallbackOnce(t *testing.T) {
	var mu sync.Mutex
	var statuses []cost.Status
	f := newFixture(t, func(cfg *Config) {
		cfg.Callbacks.OnBudgetStatus = func(status cost.Status, summary cost.Summary) {
			mu.Lock()
			defer mu.Unlock()
			statuses = append(statuses, status)
		}
	})

	update := wire.CostUpdateData{
		SessionCost:     wire.DecimalFromFloat(8),
		BudgetRemaining: wire.DecimalFromFloat(2),
		BudgetLimit:     wire.DecimalFromFloat(10),
	}
	f.conn.deliver(t, wire.TypeCostUpdate, update)
	f.conn.deliver(t, wire.TypeCostUpdate, update)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, statuses, 1)
	assert.Equal(t, cost.StatusWarning, statuses[0])
	assert.Equal(t, "8", f.ledger.Summary().SessionCost.String())
}

func TestCostUpdatePersistsSnapshot(t *testing.T) {
	store := statestore.NewMemoryStore()
	f := newFixture(t, func(cfg *Config) {
		cfg.Store = store
	})

	f.conn.deliver(t, wire.TypeCostUpdate, wire.CostUpdateData{
		SessionCost:     wire.DecimalFromFloat(1.5),
		BudgetRemaining: wire.DecimalFromFloat(8.5),
		BudgetLimit:     wire.DecimalFromFloat(10),
	})

	snap, err := store.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "1.5", snap.SessionCost)
	assert.Equal(t, "10", snap.BudgetLimit)
	assert.Equal(t, "8.5", snap.BudgetRemaining)
}

func TestSnapshotCarriesQueuedMessages(t *testing.T) {
	store := statestore.NewMemoryStore()
	f := newFixture(t, func(cfg *Config) {
		cfg.Store = store
	})

	pending, err := wire.NewTextInput("sess-1", "held back", nil)
	require.NoError(t, err)
	f.conn.mu.Lock()
	f.conn.queued = []*wire.Message{pending}
	f.conn.mu.Unlock()

	f.conn.deliver(t, wire.TypeCostUpdate, wire.CostUpdateData{
		SessionCost:     wire.DecimalFromFloat(0.5),
		BudgetRemaining: wire.DecimalFromFloat(9.5),
		BudgetLimit:     wire.DecimalFromFloat(10),
	})

	snap, err := store.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, snap.QueuedMessages, 1)
	assert.Equal(t, pending.MessageID, snap.QueuedMessages[0].MessageID)
	assert.Equal(t, wire.TypeTextInput, snap.QueuedMessages[0].Type)
}

func TestRunRestoresSnapshot(t *testing.T) {
	store := statestore.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), &statestore.SessionSnapshot{
		SessionID:   "sess-1",
		Phase:       "disconnected",
		SessionCost: "3.25",
		BudgetLimit: "10",
	}))

	f := newFixture(t, func(cfg *Config) {
		cfg.Store = store
	})

	stop := f.run(t)
	defer stop()

	require.Eventually(t, func() bool {
		return f.ledger.Summary().SessionCost.String() == "3.25"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "6.75", f.ledger.Summary().BudgetRemaining.String())
}

func TestSnapshotLoopFlushesPeriodically(t *testing.T) {
	store := statestore.NewMemoryStore()
	f := newFixture(t, func(cfg *Config) {
		cfg.Store = store
		cfg.SnapshotInterval = 20 * time.Millisecond
	})

	stop := f.run(t)
	defer stop()

	// No inbound message triggers a save here, so only the periodic flush
	// can persist the ledger change.
	f.ledger.AddCost(decimal.NewFromFloat(2))

	require.Eventually(t, func() bool {
		snap, err := store.Load(context.Background(), "sess-1")
		return err == nil && snap.SessionCost == "2"
	}, time.Second, 5*time.Millisecond)
}

func TestServerErrorCallback(t *testing.T) {
	var mu sync.Mutex
	var got *wire.ErrorData
	f := newFixture(t, func(cfg *Config) {
		cfg.Callbacks.OnServerError = func(data *wire.ErrorData) {
			mu.Lock()
			defer mu.Unlock()
			got = data
		}
	})

	f.conn.deliver(t, wire.TypeError, wire.ErrorData{
		Code:        "rate_limited",
		Message:     "slow down",
		Recoverable: true,
	})

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "rate_limited", got.Code)
	assert.True(t, got.Recoverable)
}

func TestToolExecutionCallback(t *testing.T) {
	var mu sync.Mutex
	var got *wire.ToolExecutionData
	f := newFixture(t, func(cfg *Config) {
		cfg.Callbacks.OnToolExecution = func(data *wire.ToolExecutionData) {
			mu.Lock()
			defer mu.Unlock()
			got = data
		}
	})

	f.conn.deliver(t, wire.TypeToolExecution, wire.ToolExecutionData{
		ToolName: "weather",
		Status:   "completed",
	})

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got)
	assert.Equal(t, "weather", got.ToolName)
}

func TestSendTextAndCommand(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.pipeline.SendText(context.Background(), "typed message")
	require.NoError(t, err)
	_, err = f.pipeline.SendCommand(context.Background(), "pause", nil)
	require.NoError(t, err)

	sent := f.conn.sentMessages()
	require.Len(t, sent, 2)
	assert.Equal(t, wire.TypeTextInput, sent[0].Type)
	assert.Equal(t, wire.TypeSystemCommand, sent[1].Type)
}

func TestPhaseChangedCallbackAndSnapshot(t *testing.T) {
	store := statestore.NewMemoryStore()
	var mu sync.Mutex
	var phases []transport.Phase
	f := newFixture(t, func(cfg *Config) {
		cfg.Store = store
		cfg.Callbacks.OnPhaseChange = func(phase transport.Phase) {
			mu.Lock()
			defer mu.Unlock()
			phases = append(phases, phase)
		}
	})
	f.conn.state = transport.SessionState{
		SessionID:         "sess-1",
		Phase:             transport.PhaseConnected,
		ReconnectAttempts: 0,
	}

	f.pipeline.PhaseChanged(transport.PhaseConnected)

	mu.Lock()
	assert.Equal(t, []transport.Phase{transport.PhaseConnected}, phases)
	mu.Unlock()

	snap, err := store.Load(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "connected", snap.Phase)
}

func TestCloseTearsDownAndBlocksFurtherUse(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.pipeline.Close())
	assert.True(t, f.recorder.closed)
	assert.True(t, f.player.closed)
	assert.True(t, f.detector.stopped)

	require.NoError(t, f.pipeline.Close())

	_, err := f.pipeline.SendText(context.Background(), "late")
	assert.ErrorIs(t, err, ErrPipelineClosed)

	err = f.pipeline.Run(context.Background())
	assert.ErrorIs(t, err, ErrPipelineClosed)
}

func TestLevelsFlowIntoDetector(t *testing.T) {
	f := newFixture(t, nil)

	require.NotNil(t, f.recorder.level)
	f.recorder.level(0.4)
	f.recorder.level(0.1)

	f.detector.mu.Lock()
	defer f.detector.mu.Unlock()
	assert.Equal(t, []float64{0.4, 0.1}, f.detector.levels)
}
