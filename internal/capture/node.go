package capture

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-record/internal/audio"
)

// TapFunc receives fixed-size buffers from an installed tap.
type TapFunc func(audio.Buffer)

// InputNode is the exclusive owner of a Device. Consumers attach to it and
// the device runs while at least one consumer is attached.
type InputNode struct {
	device Device
	log    *slog.Logger

	mu        sync.RWMutex
	consumers map[int]Handler
	nextID    int
	running   bool

	tapMu sync.Mutex
	tap   *tap
}

type tap struct {
	fn      TapFunc
	chunker *audio.Chunker
}

func NewInputNode(device Device, log *slog.Logger) *InputNode {
	return &InputNode{
		device:    device,
		log:       log,
		consumers: make(map[int]Handler),
	}
}

// Device returns the underlying input device.
func (n *InputNode) Device() Device {
	return n.device
}

// OutputFormat returns the format delivered on bus. Only bus 0 exists.
func (n *InputNode) OutputFormat(bus int) audio.Format {
	if bus != 0 || n.device == nil {
		return audio.Format{}
	}
	return n.device.Format()
}

// Attach registers h and starts the device when h is the first consumer.
// The returned detach func is idempotent.
func (n *InputNode) Attach(h Handler) (func(), error) {
	if n.device == nil {
		return nil, ErrNoDevice
	}
	n.mu.Lock()
	if !n.running {
		if err := n.device.Start(n.dispatch); err != nil {
			n.mu.Unlock()
			return nil, fmt.Errorf("start input device %s: %w", n.device.Name(), err)
		}
		n.running = true
	}
	id := n.nextID
	n.nextID++
	n.consumers[id] = h
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.detach(id) })
	}, nil
}

func (n *InputNode) detach(id int) {
	n.mu.Lock()
	delete(n.consumers, id)
	stop := n.running && len(n.consumers) == 0
	if stop {
		n.running = false
	}
	n.mu.Unlock()

	// Stop outside the lock: devices wait for their callback goroutine, which
	// may be blocked in dispatch on the read lock.
	if stop {
		if err := n.device.Stop(); err != nil {
			n.log.Warn("stop input device failed", slog.String("error", err.Error()))
		}
	}
}

// Running reports whether the device is currently started.
func (n *InputNode) Running() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

func (n *InputNode) dispatch(buf audio.Buffer) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, h := range n.consumers {
		h(buf)
	}
}

// InstallTap installs fn on bus. Buffers are regrouped into bufferSize frames
// before delivery. Taps only receive audio while an Engine is running.
func (n *InputNode) InstallTap(bus int, bufferSize int, fn TapFunc) error {
	if bus != 0 {
		return fmt.Errorf("input node has no bus %d", bus)
	}
	if fn == nil {
		return fmt.Errorf("tap func is nil")
	}
	n.tapMu.Lock()
	defer n.tapMu.Unlock()
	if n.tap != nil {
		return ErrTapInstalled
	}
	n.tap = &tap{fn: fn, chunker: audio.NewChunker(bufferSize)}
	return nil
}

// RemoveTap removes the tap on bus. Removing a missing tap is a no-op.
func (n *InputNode) RemoveTap(bus int) {
	if bus != 0 {
		return
	}
	n.tapMu.Lock()
	n.tap = nil
	n.tapMu.Unlock()
}

// HasTap reports whether a tap is installed on bus.
func (n *InputNode) HasTap(bus int) bool {
	if bus != 0 {
		return false
	}
	n.tapMu.Lock()
	defer n.tapMu.Unlock()
	return n.tap != nil
}

func (n *InputNode) feedTap(buf audio.Buffer) {
	n.tapMu.Lock()
	defer n.tapMu.Unlock()
	if n.tap == nil {
		return
	}
	n.tap.chunker.Push(buf, n.tap.fn)
}
