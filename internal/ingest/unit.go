package ingest

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/listenbuddy/pkg/audio"
)

var errUnitClosed = errors.New("session is no longer accepting audio")

// Stats are the per-session ingestion counters.
type Stats struct {
	SubmittedSamples int64 `json:"submitted_samples"`
	Frames           int64 `json:"frames"`

	// Flushed counts windows handed to the queue.
	Flushed int64 `json:"flushed"`

	// Dropped counts queued windows evicted by overflow.
	Dropped int64 `json:"dropped"`

	// Silent counts windows discarded without transcription.
	Silent int64 `json:"silent"`

	// Empty counts windows whose transcription was blank.
	Empty int64 `json:"empty"`

	Committed int64 `json:"committed"`
	Failures  int64 `json:"failures"`

	// Pending is the current queue length.
	Pending int `json:"pending"`
}

// job is one flushed window awaiting the worker.
type job struct {
	pcm       []byte
	tsStart   float64
	tsEnd     float64
	spokenAt  time.Time
	flushedAt time.Time
}

// submitResult reports side effects of a submit or close for metrics.
type submitResult struct {
	silent  bool
	dropped int
}

// unit is the ingestion state of one session.
type unit struct {
	id    string
	start time.Time

	rate       int
	maxSamples int64
	gapSamples int64
	threshold  float64
	queueSize  int

	mu        sync.Mutex
	buf       []byte
	total     int64 // samples submitted so far
	winStart  int64 // sample offset of buf[0]
	speech    bool
	silentRun int64
	queue     []job
	closed    bool
	stats     Stats

	notify chan struct{}
	done   chan struct{}
}

func newUnit(id string, start time.Time, cfg Config) *unit {
	return &unit{
		id:         id,
		start:      start,
		rate:       cfg.SampleRate,
		maxSamples: samplesIn(cfg.MaxWindow, cfg.SampleRate),
		gapSamples: samplesIn(cfg.SilenceGap, cfg.SampleRate),
		threshold:  cfg.SilenceThreshold,
		queueSize:  cfg.QueueSize,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

func samplesIn(d time.Duration, rate int) int64 {
	return int64(d) * int64(rate) / int64(time.Second)
}

func (u *unit) submit(pcm []byte) (submitResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return submitResult{}, errUnitClosed
	}

	n := audio.Samples(pcm)
	u.buf = append(u.buf, pcm...)
	u.total += n
	u.stats.SubmittedSamples += n
	u.stats.Frames++

	if audio.RMS(pcm) >= u.threshold {
		u.speech = true
		u.silentRun = 0
	} else {
		u.silentRun += n
	}

	buffered := u.total - u.winStart
	switch {
	case buffered >= u.maxSamples:
		return u.flushLocked(), nil
	case u.speech && u.silentRun >= u.gapSamples:
		return u.flushLocked(), nil
	}
	return submitResult{}, nil
}

// flushLocked cuts the current window. Windows without speech are discarded.
func (u *unit) flushLocked() submitResult {
	var res submitResult
	if len(u.buf) == 0 {
		return res
	}
	if !u.speech {
		u.stats.Silent++
		res.silent = true
	} else {
		j := job{
			pcm:       u.buf,
			tsStart:   audio.Seconds(u.winStart, u.rate),
			tsEnd:     audio.Seconds(u.total, u.rate),
			spokenAt:  u.start.Add(audio.Duration(u.winStart, u.rate)),
			flushedAt: time.Now(),
		}
		if len(u.queue) >= u.queueSize {
			u.queue[0] = job{}
			u.queue = u.queue[1:]
			u.stats.Dropped++
			res.dropped++
		}
		u.queue = append(u.queue, j)
		u.stats.Flushed++
		u.signal()
	}
	u.buf = nil
	u.winStart = u.total
	u.speech = false
	u.silentRun = 0
	return res
}

// close flushes what is buffered and stops accepting frames. Idempotent.
func (u *unit) close() submitResult {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return submitResult{}
	}
	res := u.flushLocked()
	u.closed = true
	u.signal()
	return res
}

func (u *unit) signal() {
	select {
	case u.notify <- struct{}{}:
	default:
	}
}

// next blocks until a job is available. It reports false once the unit is
// closed and the queue is empty.
func (u *unit) next() (job, bool) {
	for {
		u.mu.Lock()
		if len(u.queue) > 0 {
			j := u.queue[0]
			u.queue[0] = job{}
			u.queue = u.queue[1:]
			u.mu.Unlock()
			return j, true
		}
		closed := u.closed
		u.mu.Unlock()
		if closed {
			return job{}, false
		}
		<-u.notify
	}
}

func (u *unit) count(fn func(*Stats)) {
	u.mu.Lock()
	fn(&u.stats)
	u.mu.Unlock()
}

func (u *unit) snapshot() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	s := u.stats
	s.Pending = len(u.queue)
	return s
}
