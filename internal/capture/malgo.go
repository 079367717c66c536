//go:build cgo

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/permission"
)

// malgoDevice captures from the default system microphone through miniaudio.
type malgoDevice struct {
	format audio.Format
	period int
	log    *slog.Logger

	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	device *malgo.Device
}

func newMalgoDevice(format audio.Format, period int, log *slog.Logger) (Device, error) {
	return &malgoDevice{format: format, period: period, log: log}, nil
}

func (d *malgoDevice) Name() string         { return "malgo" }
func (d *malgoDevice) Format() audio.Format { return d.format }

// Authorize reports Authorized when at least one capture device can be
// enumerated. Operating systems that gate microphone access surface a denial
// as an empty device list.
func (d *malgoDevice) Authorize(_ context.Context) permission.Status {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		d.log.Warn("audio context unavailable", slog.String("error", err.Error()))
		return permission.Restricted
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	infos, err := mctx.Devices(malgo.Capture)
	if err != nil {
		d.log.Warn("enumerate capture devices failed", slog.String("error", err.Error()))
		return permission.Restricted
	}
	if len(infos) == 0 {
		return permission.Denied
	}
	return permission.Authorized
}

func (d *malgoDevice) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("capture handler is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device != nil {
		return ErrRunning
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("%w: init audio context: %v", ErrNoDevice, err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(d.format.Channels)
	cfg.SampleRate = uint32(d.format.SampleRate)
	if d.period > 0 {
		cfg.PeriodSizeInFrames = uint32(d.period)
	}

	format := d.format
	var frames int
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, frameCount uint32) {
			buf := audio.Buffer{
				Format:  format,
				Samples: audio.BytesToInt16(input),
				Offset:  format.Duration(frames),
			}
			frames += int(frameCount)
			handler(buf)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("start capture device: %w", err)
	}

	d.ctx = mctx
	d.device = device
	d.log.Info("microphone started", slog.String("format", format.String()))
	return nil
}

func (d *malgoDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return nil
	}
	err := d.device.Stop()
	d.device.Uninit()
	_ = d.ctx.Uninit()
	d.ctx.Free()
	d.device = nil
	d.ctx = nil
	d.log.Info("microphone stopped")
	return err
}
