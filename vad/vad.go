// Package vad detects speech boundaries in a stream of normalized loudness
// samples. Two debounce timers guard the transitions: a speech-arm timer
// filters transient spikes before speech is confirmed, and a silence-confirm
// timer rides out micro-pauses before speech is ended.
package vad

import (
	"sync"
	"time"
)

// Default detector configuration values.
const (
	DefaultThreshold         = 0.30
	DefaultSpeechTimeout     = 300 * time.Millisecond
	DefaultSilenceTimeout    = 1500 * time.Millisecond
	DefaultMinSpeechDuration = 500 * time.Millisecond
	DefaultMaxSpeechDuration = 30 * time.Second
)

// eventBufferSize is the buffer size for the event channel.
const eventBufferSize = 16

const unknownPhase = "unknown"

// Phase represents the current detection phase.
type Phase int

const (
	// PhaseIdle indicates no voice activity.
	PhaseIdle Phase = iota
	// PhaseArmingSpeech indicates voiced input awaiting debounce confirmation.
	PhaseArmingSpeech
	// PhaseSpeechActive indicates confirmed active speech.
	PhaseSpeechActive
)

// String returns a human-readable representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseArmingSpeech:
		return "arming_speech"
	case PhaseSpeechActive:
		return "speech_active"
	default:
		return unknownPhase
	}
}

// EventKind identifies a detector event.
type EventKind int

const (
	// SpeechStarted is emitted when speech is confirmed.
	SpeechStarted EventKind = iota
	// SpeechEnded is emitted when speech ends; Duration carries its length.
	SpeechEnded
	// MaxDurationReached is emitted when speech hits the duration ceiling.
	// A SpeechEnded event follows immediately.
	MaxDurationReached
)

// String returns a human-readable representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case SpeechStarted:
		return "speech_started"
	case SpeechEnded:
		return "speech_ended"
	case MaxDurationReached:
		return "max_duration_reached"
	default:
		return "unknown"
	}
}

// Event is a speech boundary notification.
type Event struct {
	Kind      EventKind
	Timestamp time.Time
	// Duration is the length of the voiced run for SpeechEnded events,
	// measured from voiced onset to silence onset. The silence-confirm
	// window is not part of the utterance and is excluded.
	Duration time.Duration
}

// Config configures a Detector. Immutable once the Detector is created;
// reconfigure by creating a new Detector.
type Config struct {
	// Threshold is the loudness level above which a sample counts as
	// voiced (0.0-1.0).
	Threshold float64

	// SpeechTimeout is how long input must stay voiced before speech is
	// confirmed. Filters brief spikes.
	SpeechTimeout time.Duration

	// SilenceTimeout is how long input must stay silent before speech is
	// ended. Allows natural pauses.
	SilenceTimeout time.Duration

	// MinSpeechDuration discards shorter utterances as false positives.
	MinSpeechDuration time.Duration

	// MaxSpeechDuration force-ends an utterance that never goes silent.
	MaxSpeechDuration time.Duration
}

// DefaultConfig returns sensible defaults for speech detection.
func DefaultConfig() Config {
	return Config{
		Threshold:         DefaultThreshold,
		SpeechTimeout:     DefaultSpeechTimeout,
		SilenceTimeout:    DefaultSilenceTimeout,
		MinSpeechDuration: DefaultMinSpeechDuration,
		MaxSpeechDuration: DefaultMaxSpeechDuration,
	}
}

// Validate checks that configuration values are within acceptable ranges.
func (c Config) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return &ValidationError{Field: "Threshold", Message: "must be between 0.0 and 1.0"}
	}
	if c.SpeechTimeout <= 0 {
		return &ValidationError{Field: "SpeechTimeout", Message: "must be positive"}
	}
	if c.SilenceTimeout <= 0 {
		return &ValidationError{Field: "SilenceTimeout", Message: "must be positive"}
	}
	if c.MinSpeechDuration < 0 {
		return &ValidationError{Field: "MinSpeechDuration", Message: "must be non-negative"}
	}
	if c.MaxSpeechDuration <= 0 {
		return &ValidationError{Field: "MaxSpeechDuration", Message: "must be positive"}
	}
	if c.MaxSpeechDuration <= c.MinSpeechDuration {
		return &ValidationError{Field: "MaxSpeechDuration", Message: "must exceed MinSpeechDuration"}
	}
	return nil
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "invalid " + e.Field + ": " + e.Message
}

// Detector is a timer-driven speech boundary detector. All state is mutated
// under a single mutex, from Process and timer callbacks only. A timer that
// has already fired wins over a cancel that arrives late.
type Detector struct {
	cfg Config

	mu      sync.Mutex
	running bool
	phase   Phase

	// voicedAt is when the current voiced run began (first sample above
	// threshold). speechStartedAt is backdated to it when speech is
	// confirmed, so reported durations cover the whole voiced run.
	voicedAt        time.Time
	speechStartedAt time.Time
	// silenceStartedAt is when the pending silence-confirm window opened;
	// zero while input is voiced.
	silenceStartedAt time.Time

	armTimer     *time.Timer
	silenceTimer *time.Timer
	maxTimer     *time.Timer
	armGen       uint64
	silenceGen   uint64
	maxGen       uint64

	events chan Event

	now       func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewDetector creates a Detector with the given configuration.
func NewDetector(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:       cfg,
		phase:     PhaseIdle,
		events:    make(chan Event, eventBufferSize),
		now:       time.Now,
		afterFunc: time.AfterFunc,
	}, nil
}

// Events returns the channel carrying speech boundary events. The channel is
// buffered and may drop events if not consumed.
func (d *Detector) Events() <-chan Event {
	return d.events
}

// Phase returns the current detection phase.
func (d *Detector) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Config returns the detector configuration.
func (d *Detector) Config() Config {
	return d.cfg
}

// Start enables processing. Idempotent.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = true
}

// Stop cancels all outstanding timers and resets to idle. Samples pushed
// after Stop are ignored until Start is called again.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.running = false
	d.resetLocked()
}

// Process consumes one normalized loudness sample. Safe to call from the
// capture callback at any cadence.
func (d *Detector) Process(level float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}

	voiced := level > d.cfg.Threshold

	switch d.phase {
	case PhaseIdle:
		if voiced {
			d.phase = PhaseArmingSpeech
			d.voicedAt = d.now()
			d.armGen++
			gen := d.armGen
			d.armTimer = d.afterFunc(d.cfg.SpeechTimeout, func() { d.armFired(gen) })
		}

	case PhaseArmingSpeech:
		if !voiced {
			// A fired timer beats this cancel; only roll back if the
			// stop landed before the fire.
			if d.armTimer != nil && d.armTimer.Stop() {
				d.armGen++
				d.armTimer = nil
				d.phase = PhaseIdle
			}
		}

	case PhaseSpeechActive:
		if !voiced {
			if d.silenceTimer == nil {
				d.silenceStartedAt = d.now()
				d.silenceGen++
				gen := d.silenceGen
				d.silenceTimer = d.afterFunc(d.cfg.SilenceTimeout, func() { d.silenceFired(gen) })
			}
		} else if d.silenceTimer != nil {
			// A fired timer keeps its silence onset; only forget it when
			// the cancel actually won.
			if d.silenceTimer.Stop() {
				d.silenceGen++
				d.silenceStartedAt = time.Time{}
			}
			d.silenceTimer = nil
		}
	}
}

// armFired confirms speech after the debounce window.
func (d *Detector) armFired(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.phase != PhaseArmingSpeech || gen != d.armGen {
		return
	}

	d.armTimer = nil
	d.phase = PhaseSpeechActive
	d.speechStartedAt = d.voicedAt
	d.emitLocked(Event{Kind: SpeechStarted, Timestamp: d.now()})

	d.maxGen++
	maxGen := d.maxGen
	d.maxTimer = d.afterFunc(d.cfg.MaxSpeechDuration, func() { d.maxFired(maxGen) })
}

// silenceFired ends speech after sustained silence.
func (d *Detector) silenceFired(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.phase != PhaseSpeechActive || gen != d.silenceGen {
		return
	}
	// The utterance ended when silence began, not when it was confirmed.
	d.endSpeechLocked(d.silenceStartedAt, true)
}

// maxFired force-ends speech at the duration ceiling. The minimum duration
// floor does not apply: the utterance already exceeds it.
func (d *Detector) maxFired(gen uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.phase != PhaseSpeechActive || gen != d.maxGen {
		return
	}
	d.emitLocked(Event{Kind: MaxDurationReached, Timestamp: d.now()})
	d.endSpeechLocked(d.now(), false)
}

func (d *Detector) endSpeechLocked(endedAt time.Time, enforceMin bool) {
	duration := endedAt.Sub(d.speechStartedAt)

	d.resetLocked()

	if enforceMin && duration < d.cfg.MinSpeechDuration {
		return
	}
	d.emitLocked(Event{Kind: SpeechEnded, Timestamp: endedAt, Duration: duration})
}

// resetLocked cancels all timers and returns to idle.
func (d *Detector) resetLocked() {
	if d.armTimer != nil {
		d.armTimer.Stop()
		d.armTimer = nil
	}
	if d.silenceTimer != nil {
		d.silenceTimer.Stop()
		d.silenceTimer = nil
	}
	if d.maxTimer != nil {
		d.maxTimer.Stop()
		d.maxTimer = nil
	}
	d.armGen++
	d.silenceGen++
	d.maxGen++
	d.phase = PhaseIdle
	d.voicedAt = time.Time{}
	d.speechStartedAt = time.Time{}
	d.silenceStartedAt = time.Time{}
}

// emitLocked sends without blocking; events are dropped if the consumer
// falls behind.
func (d *Detector) emitLocked(ev Event) {
	select {
	case d.events <- ev:
	default:
	}
}
