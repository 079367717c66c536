// Package capture owns the microphone. A Device produces PCM buffers, the
// InputNode fans them out, the Engine feeds taps and a Session feeds file
// outputs, so both pipelines share one device.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/config"
	"github.com/loqalabs/loqa-record/internal/permission"
)

var (
	// ErrRunning is returned when a device or session is started twice.
	ErrRunning = errors.New("capture already running")
	// ErrUnsupported is returned when the backend is not available in this build.
	ErrUnsupported = errors.New("capture backend not supported on this build")
	// ErrNoDevice is returned when no input device can be opened.
	ErrNoDevice = errors.New("no audio input device")
	// ErrTapInstalled is returned when a tap already exists on the bus.
	ErrTapInstalled = errors.New("tap already installed on bus")
)

// Handler receives captured buffers on the device thread. It must not block.
type Handler func(audio.Buffer)

// Device is an exclusive audio input.
type Device interface {
	Name() string
	Format() audio.Format
	Authorize(ctx context.Context) permission.Status
	Start(handler Handler) error
	Stop() error
}

// NewDevice builds the backend selected in cfg.
func NewDevice(cfg config.CaptureConfig, log *slog.Logger) (Device, error) {
	format := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if !format.Valid() {
		return nil, fmt.Errorf("invalid capture format %s", format)
	}
	switch cfg.Backend {
	case "", "malgo":
		return newMalgoDevice(format, cfg.FramesPerBuffer, log)
	case "tone":
		return NewToneDevice(format, cfg.FramesPerBuffer, cfg.ToneHz), nil
	case "silence":
		return NewSilenceDevice(format, cfg.FramesPerBuffer), nil
	case "wav":
		return OpenWAVDevice(cfg.WAVPath, cfg.FramesPerBuffer, cfg.Loop)
	default:
		return nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
	}
}
