// Package codec converts between float64 PCM frames and encoded audio
// payloads suitable for the wire. Encoding is pure: the same frame always
// produces byte-identical output.
package codec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	mp3 "github.com/hajimehoshi/go-mp3"
)

// Audio format tags.
const (
	FormatWAV = "wav"
	FormatMP3 = "mp3"
)

// ErrUnsupportedFormat is returned by Decode for formats other than wav/mp3.
var ErrUnsupportedFormat = errors.New("codec: unsupported audio format")

// WAV header constants.
const (
	wavHeaderSize = 44
	bitsPerSample = 16
)

// Frame is uncompressed PCM audio. Samples are normalized to [-1, 1] and
// interleaved when Channels > 1.
type Frame struct {
	Samples    []float64
	SampleRate int
	Channels   int
}

// Duration returns the frame length in milliseconds.
func (f Frame) Duration() int64 {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	return int64(len(f.Samples)) * 1000 / int64(f.SampleRate*f.Channels)
}

// PCM16 returns the frame's samples as interleaved little-endian s16 bytes.
func (f Frame) PCM16() []byte {
	pcm := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		putLE16(pcm[i*2:], uint16(quantizeS16(s)))
	}
	return pcm
}

// EncodedAudio is a compressed or containerized audio payload. Callers must
// not mutate Bytes after construction.
type EncodedAudio struct {
	Bytes      []byte
	Format     string
	SampleRate int
}

// Encode converts a frame to mono s16le PCM wrapped in a WAV container.
// Multi-channel input is downmixed by per-frame averaging. The sample rate
// is carried through unchanged.
func Encode(f Frame) (EncodedAudio, error) {
	if f.SampleRate <= 0 {
		return EncodedAudio{}, fmt.Errorf("codec: invalid sample rate %d", f.SampleRate)
	}
	if f.Channels <= 0 {
		return EncodedAudio{}, fmt.Errorf("codec: invalid channel count %d", f.Channels)
	}
	if len(f.Samples)%f.Channels != 0 {
		return EncodedAudio{}, fmt.Errorf("codec: sample count %d not divisible by %d channels", len(f.Samples), f.Channels)
	}

	mono := f.Samples
	if f.Channels > 1 {
		mono = make([]float64, len(f.Samples)/f.Channels)
		for i := range mono {
			var sum float64
			for c := 0; c < f.Channels; c++ {
				sum += f.Samples[i*f.Channels+c]
			}
			mono[i] = sum / float64(f.Channels)
		}
	}

	pcm := make([]byte, len(mono)*2)
	for i, s := range mono {
		putLE16(pcm[i*2:], uint16(quantizeS16(s)))
	}

	return EncodedAudio{
		Bytes:      wrapPCMAsWAV(pcm, f.SampleRate, 1, bitsPerSample),
		Format:     FormatWAV,
		SampleRate: f.SampleRate,
	}, nil
}

// Decode converts an encoded payload back to a PCM frame. WAV input must be
// 16-bit PCM, mono or stereo. MP3 output is always stereo interleaved at the
// decoder's reported rate.
func Decode(enc EncodedAudio) (Frame, error) {
	switch enc.Format {
	case FormatWAV:
		return decodeWAV(enc.Bytes)
	case FormatMP3:
		return decodeMP3(enc.Bytes)
	default:
		return Frame{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, enc.Format)
	}
}

// quantizeS16 maps a [-1, 1] sample to signed 16-bit, clipping out-of-range
// values. The scale matches the decode side so decoded samples re-encode to
// the same bytes.
func quantizeS16(s float64) int16 {
	v := math.Round(s * 32768)
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}

// wrapPCMAsWAV wraps raw little-endian PCM bytes in a 44-byte WAV header.
func wrapPCMAsWAV(pcmData []byte, sampleRate, channels, bits int) []byte {
	dataSize := len(pcmData)
	byteRate := sampleRate * channels * bits / 8
	blockAlign := channels * bits / 8

	wav := make([]byte, wavHeaderSize+dataSize)

	// RIFF header
	copy(wav[0:4], "RIFF")
	putLE32(wav[4:8], uint32(36+dataSize))
	copy(wav[8:12], "WAVE")

	// fmt subchunk
	copy(wav[12:16], "fmt ")
	putLE32(wav[16:20], 16) // Subchunk1Size for PCM
	putLE16(wav[20:22], 1)  // AudioFormat (1 = PCM)
	putLE16(wav[22:24], uint16(channels))
	putLE32(wav[24:28], uint32(sampleRate))
	putLE32(wav[28:32], uint32(byteRate))
	putLE16(wav[32:34], uint16(blockAlign))
	putLE16(wav[34:36], uint16(bits))

	// data subchunk
	copy(wav[36:40], "data")
	putLE32(wav[40:44], uint32(dataSize))
	copy(wav[44:], pcmData)

	return wav
}

func decodeWAV(data []byte) (Frame, error) {
	br := bufio.NewReader(bytes.NewReader(data))

	header := make([]byte, 12)
	if _, err := io.ReadFull(br, header); err != nil {
		return Frame{}, fmt.Errorf("codec: short WAV header: %w", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return Frame{}, errors.New("codec: not a valid WAV file")
	}

	var numChannels uint16
	var sampleRate uint32
	var bits uint16
	var pcm []byte
	haveFmt := false
	haveData := false

	// Read chunks until both fmt and data are found.
	for !haveData {
		hdr := make([]byte, 8)
		if _, err := io.ReadFull(br, hdr); err != nil {
			return Frame{}, fmt.Errorf("codec: failed to read chunk header: %w", err)
		}
		chunkID := string(hdr[0:4])
		size := binary.LittleEndian.Uint32(hdr[4:8])

		switch chunkID {
		case "fmt ":
			if size < 16 {
				return Frame{}, errors.New("codec: fmt chunk too short")
			}
			buf := make([]byte, size)
			if _, err := io.ReadFull(br, buf); err != nil {
				return Frame{}, fmt.Errorf("codec: failed to read fmt chunk: %w", err)
			}
			if size%2 == 1 {
				br.ReadByte()
			}

			audioFormat := binary.LittleEndian.Uint16(buf[0:2])
			numChannels = binary.LittleEndian.Uint16(buf[2:4])
			sampleRate = binary.LittleEndian.Uint32(buf[4:8])
			bits = binary.LittleEndian.Uint16(buf[14:16])

			if audioFormat != 1 {
				return Frame{}, errors.New("codec: only PCM WAV supported")
			}
			if bits != 16 {
				return Frame{}, errors.New("codec: only 16-bit WAV supported")
			}
			if numChannels != 1 && numChannels != 2 {
				return Frame{}, errors.New("codec: only mono/stereo WAV supported")
			}
			haveFmt = true

		case "data":
			pcm = make([]byte, size)
			if _, err := io.ReadFull(br, pcm); err != nil {
				return Frame{}, fmt.Errorf("codec: failed to read data chunk: %w", err)
			}
			haveData = true

		default:
			// Skip unknown chunk.
			if _, err := io.CopyN(io.Discard, br, int64(size)); err != nil {
				return Frame{}, fmt.Errorf("codec: failed to skip chunk: %w", err)
			}
			if size%2 == 1 {
				br.ReadByte()
			}
		}
	}

	if !haveFmt {
		return Frame{}, errors.New("codec: missing fmt chunk")
	}

	samples := make([]float64, len(pcm)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}

	return Frame{
		Samples:    samples,
		SampleRate: int(sampleRate),
		Channels:   int(numChannels),
	}, nil
}

func decodeMP3(data []byte) (Frame, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("codec: mp3 decode: %w", err)
	}
	if dec.SampleRate() <= 0 {
		return Frame{}, errors.New("codec: invalid mp3 sample rate")
	}

	pcm, err := io.ReadAll(dec)
	if err != nil {
		return Frame{}, fmt.Errorf("codec: mp3 read: %w", err)
	}

	samples := make([]float64, len(pcm)/2)
	for i := range samples {
		samples[i] = float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}

	// go-mp3 always emits 16-bit stereo.
	return Frame{
		Samples:    samples,
		SampleRate: dec.SampleRate(),
		Channels:   2,
	}, nil
}

// putLE16 writes a uint16 in little-endian format.
func putLE16(b []byte, v uint16) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
}

// putLE32 writes a uint32 in little-endian format.
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
