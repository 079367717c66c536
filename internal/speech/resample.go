package speech

import (
	"fmt"

	"github.com/loqalabs/loqa-record/internal/audio"
	resampling "github.com/tphakala/go-audio-resampling"
)

// resampler converts captured audio to the rate a transcriber expects.
type resampler struct {
	in  audio.Format
	out int
	rs  resampling.Resampler
}

func newResampler(in audio.Format, outRate int) (*resampler, error) {
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(in.SampleRate),
		OutputRate: float64(outRate),
		Channels:   in.Channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("create resampler: %w", err)
	}
	return &resampler{in: in, out: outRate, rs: rs}, nil
}

func (r *resampler) process(samples []int16) ([]int16, error) {
	out, err := r.rs.Process(audio.Int16ToFloat64(samples))
	if err != nil {
		return nil, fmt.Errorf("resample: %w", err)
	}
	if rem := len(out) % r.in.Channels; rem != 0 {
		out = out[:len(out)-rem]
	}
	return audio.Float64ToInt16(out), nil
}
