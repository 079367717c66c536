package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-record/internal/audio"
)

// Output consumes buffers routed by a Session. Consume runs on the device
// thread and must not block.
type Output interface {
	Consume(audio.Buffer)
}

// DeviceInput is a Session input backed by an InputNode.
type DeviceInput struct {
	node *InputNode
}

// NewDeviceInput wraps node as a session input.
func NewDeviceInput(node *InputNode) (*DeviceInput, error) {
	if node == nil || node.device == nil {
		return nil, ErrNoDevice
	}
	return &DeviceInput{node: node}, nil
}

// Format returns the format delivered by the input.
func (i *DeviceInput) Format() audio.Format {
	return i.node.OutputFormat(0)
}

var errNotConfiguring = errors.New("capture session is not in a configuration block")

// Session routes one input to its outputs while running.
type Session struct {
	log *slog.Logger

	mu          sync.Mutex
	configuring bool
	input       *DeviceInput
	outputs     []Output
	detach      func()
}

func NewSession(log *slog.Logger) *Session {
	return &Session{log: log}
}

// BeginConfiguration opens a block in which inputs and outputs can be added.
func (s *Session) BeginConfiguration() {
	s.mu.Lock()
	s.configuring = true
	s.mu.Unlock()
}

// CommitConfiguration closes the configuration block.
func (s *Session) CommitConfiguration() {
	s.mu.Lock()
	s.configuring = false
	s.mu.Unlock()
}

// CanAddInput reports whether in can be attached. A session takes one input.
func (s *Session) CanAddInput(in *DeviceInput) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return in != nil && s.input == nil && s.detach == nil
}

func (s *Session) AddInput(in *DeviceInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configuring {
		return errNotConfiguring
	}
	if in == nil || s.input != nil {
		return errors.New("cannot add input to capture session")
	}
	s.input = in
	return nil
}

// CanAddOutput reports whether out can be attached.
func (s *Session) CanAddOutput(out Output) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if out == nil || s.detach != nil {
		return false
	}
	for _, existing := range s.outputs {
		if existing == out {
			return false
		}
	}
	return true
}

func (s *Session) AddOutput(out Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.configuring {
		return errNotConfiguring
	}
	if out == nil {
		return errors.New("cannot add nil output to capture session")
	}
	for _, existing := range s.outputs {
		if existing == out {
			return errors.New("output already attached to capture session")
		}
	}
	s.outputs = append(s.outputs, out)
	return nil
}

// StartRunning begins routing input buffers to the outputs.
func (s *Session) StartRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detach != nil {
		return ErrRunning
	}
	if s.configuring {
		return errors.New("capture session configuration not committed")
	}
	if s.input == nil {
		return fmt.Errorf("capture session has no input: %w", ErrNoDevice)
	}
	outputs := append([]Output(nil), s.outputs...)
	detach, err := s.input.node.Attach(func(buf audio.Buffer) {
		for _, out := range outputs {
			out.Consume(buf)
		}
	})
	if err != nil {
		return err
	}
	s.detach = detach
	s.log.Debug("capture session running", slog.Int("outputs", len(outputs)))
	return nil
}

// StopRunning stops routing. It is safe to call on a stopped session.
func (s *Session) StopRunning() {
	s.mu.Lock()
	detach := s.detach
	s.detach = nil
	s.mu.Unlock()
	if detach != nil {
		detach()
		s.log.Debug("capture session stopped")
	}
}

func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detach != nil
}
