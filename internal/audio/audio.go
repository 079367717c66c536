// Package audio holds the PCM buffer type shared by capture, recording and
// speech recognition.
package audio

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Format describes interleaved signed 16-bit PCM.
type Format struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
	Channels   int `json:"channels" yaml:"channels"`
}

// Valid reports whether the format can describe real audio.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesPerFrame returns the size of one interleaved frame in bytes.
func (f Format) BytesPerFrame() int {
	return 2 * f.Channels
}

// Duration returns the play time of the given number of frames.
func (f Format) Duration(frames int) time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frames) * time.Second / time.Duration(f.SampleRate)
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch/s16", f.SampleRate, f.Channels)
}

// Buffer is a block of interleaved PCM samples captured at Offset from the
// start of the stream.
type Buffer struct {
	Format  Format
	Samples []int16
	Offset  time.Duration
}

// Frames returns the number of frames held by the buffer.
func (b Buffer) Frames() int {
	if b.Format.Channels <= 0 {
		return 0
	}
	return len(b.Samples) / b.Format.Channels
}

// Duration returns the play time of the buffer.
func (b Buffer) Duration() time.Duration {
	return b.Format.Duration(b.Frames())
}

// Bytes encodes the samples as little-endian s16 PCM.
func (b Buffer) Bytes() []byte {
	return Int16ToBytes(b.Samples)
}

// Clone returns a deep copy so that the buffer can outlive the callback that
// produced it.
func (b Buffer) Clone() Buffer {
	out := b
	out.Samples = append([]int16(nil), b.Samples...)
	return out
}

// RMS returns the root mean square level of the buffer normalised to [0, 1].
func (b Buffer) RMS() float64 {
	if len(b.Samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range b.Samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(b.Samples)))
}

// Int16ToBytes encodes samples as little-endian bytes.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 decodes little-endian s16 PCM. A trailing odd byte is dropped.
func BytesToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Float32ToInt16 converts samples in [-1, 1] to s16, clamping out of range
// values.
func Float32ToInt16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int16(s * 32767)
	}
	return out
}

// Int16ToFloat64 normalises s16 samples to [-1, 1).
func Int16ToFloat64(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) / 32768.0
	}
	return out
}

// Float64ToInt16 converts normalised samples back to s16 with clamping.
func Float64ToInt16(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s >= 1:
			out[i] = math.MaxInt16
		case s < -1:
			out[i] = math.MinInt16
		default:
			out[i] = int16(s * 32767)
		}
	}
	return out
}
