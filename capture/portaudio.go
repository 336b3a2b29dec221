package capture

import (
	"fmt"
	"strings"

	"github.com/gordonklaus/portaudio"
)

// PortAudioSource captures from the default system input device via
// PortAudio. Open initializes the PortAudio runtime; Close terminates it.
type PortAudioSource struct {
	stream *portaudio.Stream
	buf    []int16
}

// NewPortAudioSource creates an unopened PortAudio source.
func NewPortAudioSource() *PortAudioSource {
	return &PortAudioSource{}
}

// Open acquires the default input device.
func (s *PortAudioSource) Open(sampleRate, channels, framesPerChunk int) error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.buf = make([]int16, framesPerChunk*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(sampleRate), framesPerChunk, s.buf)
	if err != nil {
		portaudio.Terminate()
		return classifyOpenError(err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return classifyOpenError(err)
	}

	s.stream = stream
	return nil
}

// ReadChunk blocks until the device delivers one full chunk.
func (s *PortAudioSource) ReadChunk(buf []int16) error {
	if s.stream == nil {
		return fmt.Errorf("capture: source not open")
	}
	if err := s.stream.Read(); err != nil {
		return fmt.Errorf("capture: device read: %w", err)
	}
	copy(buf, s.buf)
	return nil
}

// Close stops the stream and tears down the PortAudio runtime.
func (s *PortAudioSource) Close() error {
	if s.stream == nil {
		return nil
	}
	s.stream.Stop()
	err := s.stream.Close()
	s.stream = nil
	portaudio.Terminate()
	return err
}

// classifyOpenError maps device open failures to the package sentinels.
// PortAudio does not expose a dedicated permission error code, so the
// message is inspected.
func classifyOpenError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission") || strings.Contains(msg, "access denied") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
