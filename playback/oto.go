package playback

import (
	"fmt"
	"io"
	"time"

	oto "github.com/hajimehoshi/oto/v2"
)

// otoBytesPerSample is 16-bit output.
const otoBytesPerSample = 2

// OtoSink renders PCM through the system audio output via oto. The oto
// context is process-global and fixed to one stream format, so the sink is
// created for a specific sample rate and channel count; items with a
// different format fail per-item.
type OtoSink struct {
	sampleRate int
	channels   int
	ctx        *oto.Context

	player oto.Player
	pw     *io.PipeWriter
}

// NewOtoSink creates a sink bound to the given output format.
func NewOtoSink(sampleRate, channels int) (*OtoSink, error) {
	ctx, ready, err := oto.NewContext(sampleRate, channels, otoBytesPerSample)
	if err != nil {
		return nil, fmt.Errorf("playback: audio output init: %w", err)
	}
	<-ready

	return &OtoSink{
		sampleRate: sampleRate,
		channels:   channels,
		ctx:        ctx,
	}, nil
}

// BeginItem starts a new output stream for one item.
func (s *OtoSink) BeginItem(sampleRate, channels int) error {
	if sampleRate != s.sampleRate || channels != s.channels {
		return fmt.Errorf("playback: item format %dHz/%dch does not match output %dHz/%dch",
			sampleRate, channels, s.sampleRate, s.channels)
	}

	pr, pw := io.Pipe()
	s.pw = pw
	s.player = s.ctx.NewPlayer(pr)
	s.player.Play()
	return nil
}

// Write feeds PCM into the active item, blocking as the device drains.
func (s *OtoSink) Write(pcm []byte) error {
	if s.pw == nil {
		return fmt.Errorf("playback: no active item")
	}
	_, err := s.pw.Write(pcm)
	return err
}

// EndItem drains the active item and releases its player.
func (s *OtoSink) EndItem() error {
	if s.pw == nil {
		return nil
	}
	s.pw.Close()
	s.pw = nil

	// Wait for the device buffer to drain before tearing down the player.
	for s.player.IsPlaying() && s.player.UnplayedBufferSize() > 0 {
		time.Sleep(10 * time.Millisecond)
	}
	err := s.player.Close()
	s.player = nil
	return err
}

// Close releases the active item, if any. The oto context itself has no
// teardown.
func (s *OtoSink) Close() error {
	if s.pw != nil {
		s.pw.Close()
		s.pw = nil
	}
	if s.player != nil {
		err := s.player.Close()
		s.player = nil
		return err
	}
	return nil
}
