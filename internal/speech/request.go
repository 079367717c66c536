package speech

import (
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-record/internal/audio"
)

// Request is an open-ended audio request fed from a capture tap.
type Request struct {
	ShouldReportPartialResults bool

	mu      sync.Mutex
	ch      chan audio.Buffer
	ended   bool
	dropped atomic.Int64
}

// NewRequest returns a request buffering up to queue buffers.
func NewRequest(queue int) *Request {
	if queue <= 0 {
		queue = 256
	}
	return &Request{ch: make(chan audio.Buffer, queue)}
}

// Append queues buf without blocking. It reports false when the request has
// ended or the recognizer is not keeping up.
func (r *Request) Append(buf audio.Buffer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return false
	}
	select {
	case r.ch <- buf.Clone():
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// EndAudio marks the end of input. Further appends are ignored.
func (r *Request) EndAudio() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	r.ended = true
	close(r.ch)
}

// Ended reports whether EndAudio has been called.
func (r *Request) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// Dropped returns how many buffers were discarded because the queue was full.
func (r *Request) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Request) buffers() <-chan audio.Buffer {
	return r.ch
}
