package recorder

import (
	"fmt"
	"sync"
	"time"
)

// Status texts shown while idle and before the first hypothesis arrives.
const (
	IdleStatus      = "Not recording right now"
	ListeningStatus = "I'm listening..."
)

type State int

const (
	StateIdle State = iota
	StatePreparing
	StateRecording
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StateRecording:
		return "recording"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "idle":
		*s = StateIdle
	case "preparing":
		*s = StatePreparing
	case "recording":
		*s = StateRecording
	default:
		return fmt.Errorf("unknown recorder state %q", text)
	}
	return nil
}

// Permissions holds the last authorization answers.
type Permissions struct {
	Microphone string `json:"microphone" yaml:"microphone"`
	Speech     string `json:"speech" yaml:"speech"`
}

// Snapshot is the observable state of the recorder.
type Snapshot struct {
	State          State       `json:"state" yaml:"state"`
	Status         string      `json:"status" yaml:"status"`
	SessionID      string      `json:"session_id,omitempty" yaml:"session_id,omitempty"`
	FilePath       string      `json:"file_path,omitempty" yaml:"file_path,omitempty"`
	LastTranscript string      `json:"last_transcript,omitempty" yaml:"last_transcript,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Error          string      `json:"error,omitempty" yaml:"error,omitempty"`
	Permissions    Permissions `json:"permissions" yaml:"permissions"`
}

// observable owns the snapshot and fans changes out to subscribers. It has
// its own lock so delegate callbacks never wait on the session handles.
type observable struct {
	mu        sync.Mutex
	snap      Snapshot
	observers map[int]chan Snapshot
	next      int
}

func newObservable() *observable {
	return &observable{
		snap:      Snapshot{State: StateIdle, Status: IdleStatus},
		observers: make(map[int]chan Snapshot),
	}
}

func (o *observable) get() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snap
}

// update applies fn and publishes the result when it changed anything.
func (o *observable) update(fn func(*Snapshot)) Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	before := o.snap
	fn(&o.snap)
	if o.snap != before {
		for _, ch := range o.observers {
			offer(ch, o.snap)
		}
	}
	return o.snap
}

func (o *observable) subscribe() (<-chan Snapshot, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.next
	o.next++
	ch := make(chan Snapshot, 16)
	ch <- o.snap
	o.observers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.observers, id)
			o.mu.Unlock()
			close(ch)
		})
	}
}

// offer delivers snap, dropping the oldest queued snapshot for slow readers.
func offer(ch chan Snapshot, snap Snapshot) {
	select {
	case ch <- snap:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}
