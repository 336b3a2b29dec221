// Package playback renders synthesized speech sequentially. A single worker
// drains a FIFO queue; at most one item is audible at a time. A failed item
// is reported and skipped, never stalling the queue.
package playback

import (
	"context"
	"encoding/binary"
	"sync"

	"github.com/AltairaLabs/VoiceLink/codec"
	"github.com/AltairaLabs/VoiceLink/logger"
)

// writeChunkBytes is how much PCM is handed to the sink per write. Small
// enough that skip and volume changes take effect promptly.
const writeChunkBytes = 4096

// Sink renders raw PCM. BeginItem and EndItem bracket each queue item;
// Write blocks until the sink has buffered the chunk. Implementations are
// called from the player's worker only.
type Sink interface {
	BeginItem(sampleRate, channels int) error
	Write(pcm []byte) error
	EndItem() error
	Close() error
}

// Config configures a Player.
type Config struct {
	// OnError is called from the worker when an item fails to decode or
	// render. The queue continues with the next item.
	OnError func(err error)

	// OutputSampleRate, when non-zero, resamples each decoded item to
	// this rate before it reaches the sink. Sinks bound to a fixed
	// device rate need this to accept mixed-rate items.
	OutputSampleRate int
}

// Player plays encoded audio items in arrival order.
type Player struct {
	sink Sink
	cfg  Config

	mu            sync.Mutex
	queue         []codec.EncodedAudio
	volume        float64
	playing       bool
	closed        bool
	currentCancel context.CancelFunc

	wake chan struct{}
	done chan struct{}
}

// NewPlayer creates a Player over the given sink and starts its worker.
func NewPlayer(sink Sink, cfg Config) *Player {
	p := &Player{
		sink:   sink,
		cfg:    cfg,
		volume: 1.0,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go p.worker()
	return p
}

// Enqueue adds an item to the queue. Playback starts immediately when idle.
// Returns immediately; rendering is asynchronous.
func (p *Player) Enqueue(enc codec.EncodedAudio) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.queue = append(p.queue, enc)
	p.mu.Unlock()

	p.signal()
}

// SkipCurrent stops the active item; the next queued item starts
// immediately. No-op when idle.
func (p *Player) SkipCurrent() {
	p.mu.Lock()
	cancel := p.currentCancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop halts the active item and clears the queue.
func (p *Player) Stop() {
	p.mu.Lock()
	p.queue = nil
	cancel := p.currentCancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// SetVolume clamps v to [0,1] and applies it to the active item and all
// future items.
func (p *Player) SetVolume(v float64) {
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	p.mu.Lock()
	p.volume = v
	p.mu.Unlock()
}

// Volume returns the current volume.
func (p *Player) Volume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Playing reports whether an item is currently being rendered.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// QueueLen returns the number of items waiting behind the active one.
func (p *Player) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close stops playback, shuts down the worker, and releases the sink.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	cancel := p.currentCancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.signal()
	<-p.done
	return p.sink.Close()
}

func (p *Player) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Player) worker() {
	defer close(p.done)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			<-p.wake
			continue
		}
		item := p.queue[0]
		p.queue = p.queue[1:]
		ctx, cancel := context.WithCancel(context.Background())
		p.currentCancel = cancel
		p.playing = true
		p.mu.Unlock()

		err := p.playItem(ctx, item)

		p.mu.Lock()
		p.playing = false
		p.currentCancel = nil
		p.mu.Unlock()
		cancel()

		if err != nil && ctx.Err() == nil {
			logger.Error("playback item failed", "format", item.Format, "error", err)
			if p.cfg.OnError != nil {
				p.cfg.OnError(err)
			}
		}
	}
}

// playItem decodes one item and streams it to the sink in small chunks,
// applying the current volume to each chunk.
func (p *Player) playItem(ctx context.Context, enc codec.EncodedAudio) error {
	frame, err := codec.Decode(enc)
	if err != nil {
		return err
	}
	if p.cfg.OutputSampleRate > 0 && frame.SampleRate != p.cfg.OutputSampleRate {
		frame, err = codec.Resample(frame, p.cfg.OutputSampleRate)
		if err != nil {
			return err
		}
	}
	pcm := frame.PCM16()

	if err := p.sink.BeginItem(frame.SampleRate, frame.Channels); err != nil {
		return err
	}
	defer p.sink.EndItem()

	for off := 0; off < len(pcm); off += writeChunkBytes {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := off + writeChunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := pcm[off:end]

		p.mu.Lock()
		gain := p.volume
		p.mu.Unlock()
		if gain != 1.0 {
			chunk = withGain(chunk, gain)
		}

		if err := p.sink.Write(chunk); err != nil {
			return err
		}
	}
	return nil
}

// withGain returns a copy of the s16le chunk scaled by gain, clipping at the
// sample range.
func withGain(pcm []byte, gain float64) []byte {
	out := make([]byte, len(pcm))
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int16(binary.LittleEndian.Uint16(pcm[i:]))
		v := float64(s) * gain
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(int16(v)))
	}
	return out
}
