package capture

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/permission"
)

// generator fills n frames starting at frame index pos. Returning nil ends
// the stream.
type generator func(pos, n int) []int16

// pacedDevice emits generated buffers in real time, one per period.
type pacedDevice struct {
	name   string
	format audio.Format
	period int
	next   generator

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func newPacedDevice(name string, format audio.Format, period int, next generator) *pacedDevice {
	if period <= 0 {
		period = 512
	}
	return &pacedDevice{name: name, format: format, period: period, next: next}
}

// NewToneDevice returns a device producing a sine wave at hz on every channel.
func NewToneDevice(format audio.Format, period int, hz float64) Device {
	if hz <= 0 {
		hz = 440
	}
	step := 2 * math.Pi * hz / float64(format.SampleRate)
	return newPacedDevice("tone", format, period, func(pos, n int) []int16 {
		out := make([]int16, n*format.Channels)
		for i := 0; i < n; i++ {
			v := int16(0.3 * 32767 * math.Sin(step*float64(pos+i)))
			for c := 0; c < format.Channels; c++ {
				out[i*format.Channels+c] = v
			}
		}
		return out
	})
}

// NewSilenceDevice returns a device producing zeroed buffers.
func NewSilenceDevice(format audio.Format, period int) Device {
	return newPacedDevice("silence", format, period, func(_, n int) []int16 {
		return make([]int16, n*format.Channels)
	})
}

func (d *pacedDevice) Name() string         { return d.name }
func (d *pacedDevice) Format() audio.Format { return d.format }

func (d *pacedDevice) Authorize(context.Context) permission.Status {
	return permission.Authorized
}

func (d *pacedDevice) Start(handler Handler) error {
	if handler == nil {
		return ErrNoDevice
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return ErrRunning
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	d.stop, d.done = stop, done

	interval := d.format.Duration(d.period)
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pos := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			samples := d.next(pos, d.period)
			if samples == nil {
				<-stop
				return
			}
			handler(audio.Buffer{Format: d.format, Samples: samples, Offset: d.format.Duration(pos)})
			pos += len(samples) / d.format.Channels
		}
	}()
	return nil
}

func (d *pacedDevice) Stop() error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}
