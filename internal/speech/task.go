package speech

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-record/internal/audio"
)

type State int

const (
	StateStarting State = iota
	StateRunning
	StateFinishing
	StateCanceling
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFinishing:
		return "finishing"
	case StateCanceling:
		return "canceling"
	default:
		return "completed"
	}
}

// Task is one running recognition.
type Task struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state State
	err   error
}

func newTask(parent context.Context) (*Task, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Task{
		id:     uuid.NewString(),
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateStarting,
	}, ctx
}

func (t *Task) ID() string { return t.id }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure that ended the task, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed once the task has completed and its last delegate call
// returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Cancel stops the task. The delegate receives WasCancelled followed by
// DidFinish(false) unless the task already completed.
func (t *Task) Cancel() {
	t.mu.Lock()
	if t.state != StateCompleted {
		t.state = StateCanceling
	}
	t.mu.Unlock()
	t.cancel()
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateCanceling || t.state == StateCompleted {
		return
	}
	t.state = s
}

func (t *Task) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *Task) complete() {
	t.mu.Lock()
	t.state = StateCompleted
	t.mu.Unlock()
	t.cancel()
	close(t.done)
}

// runner holds the delegate bookkeeping shared by recognizers.
type runner struct {
	task     *Task
	delegate TaskDelegate
	partials bool
	detected bool
}

func (r *runner) observe(buf audio.Buffer) {
	r.delegate.DidRecord(r.task, buf)
	if r.detected || buf.RMS() < speechLevel {
		return
	}
	r.detected = true
	r.delegate.DidDetectSpeech(r.task)
}

func (r *runner) hypothesize(tr Transcription) {
	if !r.partials || tr.Text == "" {
		return
	}
	r.delegate.DidHypothesize(r.task, tr)
}

func (r *runner) finished(tr Transcription, err error) {
	if err != nil {
		r.task.fail(err)
		r.delegate.DidFinishRecognition(r.task, Transcription{})
		r.delegate.DidFinish(r.task, false)
		return
	}
	tr.Final = true
	r.delegate.DidFinishRecognition(r.task, tr)
	r.delegate.DidFinish(r.task, true)
}

func (r *runner) cancelled(err error) {
	r.task.fail(err)
	r.delegate.WasCancelled(r.task)
	r.delegate.DidFinish(r.task, false)
}
