// Package audio holds helpers for the raw PCM format that flows through the
// ingestion pipeline: 16-bit signed little-endian, mono.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// BytesPerSample is fixed at 2 for 16-bit PCM.
const BytesPerSample = 2

// Validate returns an error when pcm cannot be 16-bit PCM.
func Validate(pcm []byte) error {
	if len(pcm)%BytesPerSample != 0 {
		return fmt.Errorf("audio: odd byte count %d for 16-bit PCM", len(pcm))
	}
	return nil
}

// Samples returns the number of whole samples in pcm.
func Samples(pcm []byte) int64 {
	return int64(len(pcm) / BytesPerSample)
}

// Duration returns the playback duration of n samples at sampleRate.
func Duration(n int64, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// Seconds converts a sample offset to seconds.
func Seconds(n int64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(n) / float64(sampleRate)
}

// RMS returns the root-mean-square energy of pcm in sample units (0–32767).
// Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// ToFloat32 converts pcm to samples normalised to [-1.0, 1.0]. A trailing odd
// byte is ignored.
func ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := range n {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// EncodeWAV wraps mono pcm in a 44-byte RIFF/WAV header.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels = 1
		bits     = BytesPerSample * 8
	)
	byteRate := sampleRate * channels * BytesPerSample
	size := len(pcm)

	buf := make([]byte, 44+size)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+size))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], channels*BytesPerSample)
	binary.LittleEndian.PutUint16(buf[34:36], bits)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(size))
	copy(buf[44:], pcm)
	return buf
}

// Tone returns n samples of a constant-amplitude square wave. Handy for tests
// and health probes that need non-silent audio.
func Tone(n int, amplitude int16) []byte {
	out := make([]byte, n*BytesPerSample)
	for i := range n {
		v := amplitude
		if (i/8)%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Silence returns n zero samples.
func Silence(n int) []byte {
	return make([]byte, n*BytesPerSample)
}
