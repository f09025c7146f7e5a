// Package stt defines the Provider interface for Speech-to-Text backends.
//
// A provider transcribes one micro-batch of audio at a time: the ingestion
// pipeline buffers raw PCM until a flush trigger fires and then hands the whole
// window to Transcribe. Streaming recognition is deliberately absent; every
// backend here is request/response.
//
// Implementations must be safe for concurrent use. Many sessions flush in
// parallel, each from its own worker goroutine.
package stt

import (
	"context"
	"errors"
)

// DefaultSampleRate is the sample rate every client sends audio at.
const DefaultSampleRate = 16000

// ErrEmptyAudio is returned when Transcribe is called with no samples.
var ErrEmptyAudio = errors.New("stt: empty audio")

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Transcribe converts a window of 16-bit signed little-endian mono PCM into
	// text. An empty string with a nil error means the window contained no
	// recognisable speech.
	//
	// Implementations should report timeouts and upstream 5xx responses as
	// fault.ErrTransientUpstream so the caller can retry.
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error)
}

// Func adapts a plain function to [Provider].
type Func func(ctx context.Context, pcm []byte, sampleRate int) (string, error)

// Transcribe calls f.
func (f Func) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	return f(ctx, pcm, sampleRate)
}

var _ Provider = Func(nil)
