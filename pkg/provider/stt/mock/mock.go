// Package mock provides a test double for the stt.Provider interface.
//
// Provider returns queued results in order and records every call. Set Gate
// to hold transcriptions until the test releases them, which makes it easy to
// close a session while a flush is mid-transcription:
//
//	gate := make(chan struct{})
//	p := &mock.Provider{Texts: []string{"hello"}, Gate: gate, Started: make(chan struct{}, 1)}
//	// ... submit audio, <-p.Started, end the session ...
//	close(gate)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/listenbuddy/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// PCM is a copy of the audio passed to Transcribe.
	PCM []byte
	// SampleRate is the sample rate passed to Transcribe.
	SampleRate int
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Texts are returned by successive calls. Once exhausted, Text is returned.
	Texts []string

	// Text is the default transcription.
	Text string

	// Err, if non-nil, is returned by every call.
	Err error

	// Errs are returned by successive calls before Err is considered. A nil
	// entry means "no error for this call".
	Errs []error

	// Gate, if non-nil, blocks every call until it is closed or ctx ends.
	Gate <-chan struct{}

	// Started, if non-nil, receives a value (non-blocking) when a call begins.
	Started chan struct{}

	// Calls records every call to Transcribe.
	Calls []TranscribeCall
}

// Transcribe records the call and returns the next queued result.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
	p.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.Calls = append(p.Calls, TranscribeCall{PCM: cp, SampleRate: sampleRate})

	var callErr error
	if len(p.Errs) > 0 {
		callErr = p.Errs[0]
		p.Errs = p.Errs[1:]
	}
	if callErr == nil {
		callErr = p.Err
	}
	text := p.Text
	if callErr == nil && len(p.Texts) > 0 {
		text = p.Texts[0]
		p.Texts = p.Texts[1:]
	}
	gate, started := p.Gate, p.Started
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if callErr != nil {
		return "", callErr
	}
	return text, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
