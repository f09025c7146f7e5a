package audio

import (
	"errors"
	"fmt"
)

// MaxChannels is the widest interleaved layout a [Converter] downmixes.
const MaxChannels = 2

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	switch f.Channels {
	case 1:
		return fmt.Sprintf("%dHz mono", f.SampleRate)
	case 2:
		return fmt.Sprintf("%dHz stereo", f.SampleRate)
	default:
		return fmt.Sprintf("%dHz %dch", f.SampleRate, f.Channels)
	}
}

// frameBytes is the size of one interleaved sample frame.
func (f Format) frameBytes() int { return f.Channels * BytesPerSample }

// Converter turns interleaved 16-bit PCM in one format into mono PCM at a
// target rate. The zero-cost path returns frames unchanged when the formats
// already match.
//
// A Converter is stateless per frame, so frame boundaries introduce tiny
// interpolation seams; at speech rates they are inaudible to a transcriber.
type Converter struct {
	from Format
	to   int
}

// NewConverter validates from and returns a converter to mono at rate.
func NewConverter(from Format, rate int) (*Converter, error) {
	if from.SampleRate <= 0 || rate <= 0 {
		return nil, fmt.Errorf("audio: sample rate must be positive, got %d -> %d", from.SampleRate, rate)
	}
	if from.Channels < 1 || from.Channels > MaxChannels {
		return nil, fmt.Errorf("audio: unsupported channel count %d", from.Channels)
	}
	return &Converter{from: from, to: rate}, nil
}

// Passthrough reports whether frames are forwarded unchanged.
func (c *Converter) Passthrough() bool {
	return c.from.Channels == 1 && c.from.SampleRate == c.to
}

// Source returns the input format.
func (c *Converter) Source() Format { return c.from }

// ErrMisaligned is returned for frames that do not hold a whole number of
// sample frames.
var ErrMisaligned = errors.New("audio: frame is not aligned to the sample layout")

// Convert downmixes and resamples one frame.
func (c *Converter) Convert(pcm []byte) ([]byte, error) {
	if len(pcm)%c.from.frameBytes() != 0 {
		return nil, fmt.Errorf("%w: %d bytes of %s", ErrMisaligned, len(pcm), c.from)
	}
	if c.Passthrough() {
		return pcm, nil
	}
	if c.from.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	return ResampleMono16(pcm, c.from.SampleRate, c.to), nil
}

// StereoToMono averages interleaved left/right 16-bit samples. A trailing
// partial frame is dropped.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(uint16(pcm[i*4]) | uint16(pcm[i*4+1])<<8))
		r := int32(int16(uint16(pcm[i*4+2]) | uint16(pcm[i*4+3])<<8))
		avg := int16((l + r) / 2)
		out[i*2] = byte(avg)
		out[i*2+1] = byte(uint16(avg) >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate with
// linear interpolation. Equal or non-positive rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	m := int(int64(n) * int64(dstRate) / int64(srcRate))
	if m == 0 {
		return nil
	}

	sample := func(i int) float64 {
		return float64(int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8))
	}
	out := make([]byte, m*2)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range m {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		s0 := sample(idx)
		s1 := s0
		if idx+1 < n {
			s1 = sample(idx + 1)
		}
		v := int16(s0*(1-frac) + s1*frac)
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}
