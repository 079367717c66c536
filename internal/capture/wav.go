package capture

import (
	"context"
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/permission"
)

// OpenWAVDevice decodes path and returns a device that replays it as if it
// were a live microphone. With loop set the file restarts when exhausted.
func OpenWAVDevice(path string, period int, loop bool) (Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDevice, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("%w: %s is not a valid wav file", ErrNoDevice, path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 {
		return nil, errors.New("wav file has no usable format")
	}

	format := audio.Format{SampleRate: buf.Format.SampleRate, Channels: buf.Format.NumChannels}
	pcm := toInt16(buf, int(dec.BitDepth))
	total := len(pcm) / format.Channels

	dev := newPacedDevice("wav", format, period, func(pos, n int) []int16 {
		if total == 0 {
			return nil
		}
		if !loop && pos >= total {
			return nil
		}
		out := make([]int16, 0, n*format.Channels)
		for i := 0; i < n; i++ {
			frame := pos + i
			if frame >= total {
				if !loop {
					break
				}
				frame %= total
			}
			out = append(out, pcm[frame*format.Channels:(frame+1)*format.Channels]...)
		}
		return out
	})
	return &wavDevice{pacedDevice: dev, path: path}, nil
}

type wavDevice struct {
	*pacedDevice
	path string
}

func (d *wavDevice) Authorize(context.Context) permission.Status {
	f, err := os.Open(d.path)
	if err != nil {
		return permission.Denied
	}
	_ = f.Close()
	return permission.Authorized
}

func toInt16(buf *goaudio.IntBuffer, bitDepth int) []int16 {
	out := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch bitDepth {
		case 8:
			out[i] = int16((v - 128) << 8)
		case 24:
			out[i] = int16(v >> 8)
		case 32:
			out[i] = int16(v >> 16)
		default:
			out[i] = int16(v)
		}
	}
	return out
}
