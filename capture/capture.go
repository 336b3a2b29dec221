// Package capture owns the microphone. A Recorder polls its Source for PCM
// chunks, computes a normalized loudness level per chunk for voice activity
// detection, and buffers raw samples between StartRecording and
// StopRecording.
package capture

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/AltairaLabs/VoiceLink/codec"
	"github.com/AltairaLabs/VoiceLink/logger"
)

// Device acquisition errors.
var (
	// ErrPermissionDenied indicates the OS refused microphone access.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	// ErrDeviceUnavailable indicates no usable input device.
	ErrDeviceUnavailable = errors.New("capture: audio device unavailable")
)

// Default capture configuration values.
const (
	DefaultSampleRate     = 16000
	DefaultChannels       = 1
	DefaultFramesPerChunk = 1024
)

const (
	// pcmMaxAmplitude is the maximum amplitude for 16-bit signed audio.
	pcmMaxAmplitude = 32768.0
	// maxExpectedRMS is the expected maximum RMS for voice audio; levels
	// are scaled against it so normal speech spans most of [0,1].
	maxExpectedRMS = 0.5
)

// Source produces raw PCM chunks from an audio device. Implementations are
// not safe for concurrent use; the Recorder is the only caller.
type Source interface {
	// Open acquires the device for the given stream parameters.
	Open(sampleRate, channels, framesPerChunk int) error

	// ReadChunk fills buf with interleaved int16 samples, blocking until a
	// full chunk is available.
	ReadChunk(buf []int16) error

	// Close releases the device.
	Close() error
}

// Config configures a Recorder.
type Config struct {
	SampleRate     int
	Channels       int
	FramesPerChunk int
}

// DefaultConfig returns capture defaults suitable for speech.
func DefaultConfig() Config {
	return Config{
		SampleRate:     DefaultSampleRate,
		Channels:       DefaultChannels,
		FramesPerChunk: DefaultFramesPerChunk,
	}
}

// LevelFunc receives one normalized loudness sample per captured chunk.
type LevelFunc func(level float64)

// Recorder drives a Source. The read loop is the single writer of the
// capture buffer; StartRecording and StopRecording only flip the recording
// flag and transfer the buffer out.
type Recorder struct {
	cfg    Config
	source Source

	mu        sync.Mutex
	open      bool
	recording bool
	buf       []int16
	onLevel   LevelFunc

	stop chan struct{}
	done chan struct{}
}

// NewRecorder creates a Recorder over the given source.
func NewRecorder(source Source, cfg Config) *Recorder {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.FramesPerChunk <= 0 {
		cfg.FramesPerChunk = DefaultFramesPerChunk
	}
	return &Recorder{cfg: cfg, source: source}
}

// OnLevel registers the loudness callback. Must be called before Initialize.
func (r *Recorder) OnLevel(fn LevelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLevel = fn
}

// Initialize acquires the device and starts the level-polling loop. The
// context bounds acquisition only; the loop runs until Close.
func (r *Recorder) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := r.source.Open(r.cfg.SampleRate, r.cfg.Channels, r.cfg.FramesPerChunk); err != nil {
		return err
	}

	r.open = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.readLoop(r.stop, r.done)

	logger.Debug("audio capture initialized",
		"sample_rate", r.cfg.SampleRate,
		"channels", r.cfg.Channels,
		"frames_per_chunk", r.cfg.FramesPerChunk)
	return nil
}

// StartRecording begins buffering PCM. Any previously buffered samples are
// discarded.
func (r *Recorder) StartRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return fmt.Errorf("capture: not initialized")
	}
	r.recording = true
	r.buf = r.buf[:0]
	return nil
}

// StopRecording stops buffering and returns the captured utterance as a PCM
// frame. The internal buffer is cleared; ownership of the samples transfers
// to the caller.
func (r *Recorder) StopRecording() (codec.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return codec.Frame{}, fmt.Errorf("capture: not initialized")
	}
	if !r.recording {
		return codec.Frame{}, fmt.Errorf("capture: not recording")
	}
	r.recording = false

	samples := make([]float64, len(r.buf))
	for i, s := range r.buf {
		samples[i] = float64(s) / pcmMaxAmplitude
	}
	r.buf = nil

	return codec.Frame{
		Samples:    samples,
		SampleRate: r.cfg.SampleRate,
		Channels:   r.cfg.Channels,
	}, nil
}

// Recording reports whether PCM is currently being buffered.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Close stops the loop and releases the device. Safe to call twice. The
// source is closed first so a blocked ReadChunk is released before the loop
// is awaited.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return nil
	}
	r.open = false
	r.recording = false
	close(r.stop)
	done := r.done
	r.mu.Unlock()

	err := r.source.Close()
	<-done
	return err
}

// readLoop pulls chunks at the device cadence until Close. ReadChunk blocks
// for one chunk duration, so no extra ticker is needed.
func (r *Recorder) readLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	chunk := make([]int16, r.cfg.FramesPerChunk*r.cfg.Channels)
	for {
		select {
		case <-stop:
			return
		default:
		}

		if err := r.source.ReadChunk(chunk); err != nil {
			select {
			case <-stop:
			default:
				logger.Error("audio capture read failed", "error", err)
			}
			return
		}

		level := chunkLevel(chunk)

		r.mu.Lock()
		if r.recording {
			r.buf = append(r.buf, chunk...)
		}
		onLevel := r.onLevel
		r.mu.Unlock()

		if onLevel != nil {
			onLevel(level)
		}
	}
}

// chunkLevel computes the normalized RMS loudness of a chunk, scaled so
// typical voice spans [0,1].
func chunkLevel(chunk []int16) float64 {
	if len(chunk) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range chunk {
		normalized := float64(s) / pcmMaxAmplitude
		sumSquares += normalized * normalized
	}
	rms := math.Sqrt(sumSquares / float64(len(chunk)))

	level := rms / maxExpectedRMS
	if level > 1 {
		level = 1
	}
	return level
}
