package capture

import (
	"errors"
	"sync"
)

// Engine drives the taps of an InputNode.
type Engine struct {
	node *InputNode

	mu       sync.Mutex
	prepared bool
	detach   func()
}

func NewEngine(node *InputNode) *Engine {
	return &Engine{node: node}
}

// InputNode returns the node whose taps the engine feeds.
func (e *Engine) InputNode() *InputNode {
	return e.node
}

// Prepare checks that the input can deliver audio. It is cheap to call
// repeatedly.
func (e *Engine) Prepare() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.node == nil || e.node.device == nil {
		return ErrNoDevice
	}
	if !e.node.OutputFormat(0).Valid() {
		return errors.New("input node has no valid output format")
	}
	e.prepared = true
	return nil
}

// Start begins delivering audio to taps. Starting a running engine is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detach != nil {
		return nil
	}
	if !e.prepared {
		if e.node == nil || e.node.device == nil {
			return ErrNoDevice
		}
		e.prepared = true
	}
	detach, err := e.node.Attach(e.node.feedTap)
	if err != nil {
		return err
	}
	e.detach = detach
	return nil
}

// Stop halts tap delivery. Samples that did not fill a whole tap buffer are
// discarded.
func (e *Engine) Stop() {
	e.mu.Lock()
	detach := e.detach
	e.detach = nil
	e.prepared = false
	e.mu.Unlock()
	if detach == nil {
		return
	}
	detach()
	e.node.tapMu.Lock()
	if e.node.tap != nil {
		e.node.tap.chunker.Reset()
	}
	e.node.tapMu.Unlock()
}

// IsRunning reports whether taps are being fed.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detach != nil
}
