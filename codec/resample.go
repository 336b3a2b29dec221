package codec

import "fmt"

// Common sample rates seen on the wire.
const (
	SampleRate16kHz = 16000
	SampleRate24kHz = 24000
)

// Resample converts a frame to the target sample rate using linear
// interpolation, preserving the channel layout. Quality is adequate for
// speech; music would want a proper filter.
func Resample(f Frame, toRate int) (Frame, error) {
	if f.SampleRate <= 0 || toRate <= 0 {
		return Frame{}, fmt.Errorf("codec: invalid sample rates from=%d to=%d", f.SampleRate, toRate)
	}
	if f.Channels <= 0 {
		return Frame{}, fmt.Errorf("codec: invalid channel count %d", f.Channels)
	}
	if len(f.Samples)%f.Channels != 0 {
		return Frame{}, fmt.Errorf("codec: sample count %d not divisible by %d channels", len(f.Samples), f.Channels)
	}
	if f.SampleRate == toRate {
		return f, nil
	}

	inFrames := len(f.Samples) / f.Channels
	outFrames := int(float64(inFrames) * float64(toRate) / float64(f.SampleRate))
	out := Frame{
		Samples:    make([]float64, outFrames*f.Channels),
		SampleRate: toRate,
		Channels:   f.Channels,
	}
	if inFrames == 0 || outFrames == 0 {
		return out, nil
	}

	ratio := float64(f.SampleRate) / float64(toRate)
	for i := 0; i < outFrames; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		for c := 0; c < f.Channels; c++ {
			if srcIdx >= inFrames-1 {
				out.Samples[i*f.Channels+c] = f.Samples[(inFrames-1)*f.Channels+c]
				continue
			}
			s0 := f.Samples[srcIdx*f.Channels+c]
			s1 := f.Samples[(srcIdx+1)*f.Channels+c]
			out.Samples[i*f.Channels+c] = s0 + frac*(s1-s0)
		}
	}
	return out, nil
}
