package speech

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-record/internal/audio"
)

// StreamOptions tune how a Stream schedules transcriptions.
type StreamOptions struct {
	// PartialEvery is the minimum spacing between partial transcriptions.
	// Zero disables partials.
	PartialEvery time.Duration
	// Timeout bounds each call to the transcriber.
	Timeout time.Duration
	// SampleRate resamples audio before transcription when non-zero.
	SampleRate int
}

// StreamResult is one transcription produced by a Stream. The last result
// has Final set and is followed by the channel closing.
type StreamResult struct {
	Result
	Final bool
	Err   error
}

// Stream accumulates one utterance and transcribes it incrementally. At most
// one transcription is in flight; a final request that arrives while a
// partial runs is deferred until the partial returns.
type Stream struct {
	transcriber Transcriber
	opts        StreamOptions
	ctx         context.Context
	results     chan StreamResult
	now         func() time.Time

	mu           sync.Mutex
	format       audio.Format
	resampler    *resampler
	pcm          []byte
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	finished     bool
	wg           sync.WaitGroup
}

func NewStream(ctx context.Context, t Transcriber, opts StreamOptions) *Stream {
	if opts.Timeout <= 0 {
		opts.Timeout = 45 * time.Second
	}
	return &Stream{
		transcriber: t,
		opts:        opts,
		ctx:         ctx,
		results:     make(chan StreamResult, 8),
		now:         time.Now,
	}
}

// Results delivers partial results followed by exactly one final result.
func (s *Stream) Results() <-chan StreamResult {
	return s.results
}

// Write appends buf to the utterance and may schedule a partial
// transcription. The first buffer fixes the stream format.
func (s *Stream) Write(buf audio.Buffer) error {
	if len(buf.Samples) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return errors.New("stream already finished")
	}
	if !s.format.Valid() {
		if err := s.setFormat(buf.Format); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	expected := s.format
	if s.resampler != nil {
		expected = s.resampler.in
	}
	if buf.Format != expected {
		s.mu.Unlock()
		return fmt.Errorf("stream format changed from %s to %s", expected, buf.Format)
	}
	samples := buf.Samples
	if s.resampler != nil {
		out, err := s.resampler.process(samples)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		samples = out
	}
	s.pcm = append(s.pcm, audio.Int16ToBytes(samples)...)
	s.mu.Unlock()

	if s.shouldSchedulePartial() {
		s.schedule(false)
	}
	return nil
}

func (s *Stream) setFormat(in audio.Format) error {
	if !in.Valid() {
		return fmt.Errorf("invalid stream format %s", in)
	}
	s.format = in
	if s.opts.SampleRate > 0 && s.opts.SampleRate != in.SampleRate {
		rs, err := newResampler(in, s.opts.SampleRate)
		if err != nil {
			return err
		}
		s.resampler = rs
		s.format = audio.Format{SampleRate: s.opts.SampleRate, Channels: in.Channels}
	}
	return nil
}

// Finish requests the final transcription. Later calls are ignored.
func (s *Stream) Finish() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()
	s.schedule(true)
}

// Wait blocks until no transcription is running.
func (s *Stream) Wait() {
	s.wg.Wait()
}

func (s *Stream) shouldSchedulePartial() bool {
	interval := s.opts.PartialEvery
	if interval <= 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight || s.finished {
		return false
	}
	now := s.now()
	if s.lastPartial.IsZero() {
		s.lastPartial = now
		return true
	}
	if now.Sub(s.lastPartial) >= interval {
		s.lastPartial = now
		return true
	}
	return false
}

func (s *Stream) schedule(final bool) {
	s.mu.Lock()
	if s.inflight {
		if final {
			s.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	if final && len(s.pcm) == 0 {
		s.mu.Unlock()
		s.deliverFinal(StreamResult{Final: true, Err: ErrNoSpeech})
		return
	}
	pcm := append([]byte(nil), s.pcm...)
	format := s.format
	s.inflight = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.Timeout)
		defer cancel()

		result, err := s.transcriber.Transcribe(ctx, pcm, format, final)
		if errors.Is(err, context.DeadlineExceeded) && s.ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}

		if final {
			s.deliverFinal(StreamResult{Result: result, Final: true, Err: err})
			return
		}
		if err != nil && s.ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			// A failing engine ends the utterance instead of retrying on the
			// next partial.
			s.mu.Lock()
			s.finished = true
			s.pendingFinal = false
			s.mu.Unlock()
			s.deliverFinal(StreamResult{Final: true, Err: err})
			return
		}
		if err == nil {
			s.send(StreamResult{Result: result})
		}

		s.mu.Lock()
		s.inflight = false
		s.lastPartial = s.now()
		pendingFinal := s.pendingFinal
		s.pendingFinal = false
		s.mu.Unlock()

		if pendingFinal {
			s.schedule(true)
		}
	}()
}

func (s *Stream) send(r StreamResult) bool {
	select {
	case s.results <- r:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Stream) deliverFinal(r StreamResult) {
	if s.send(r) {
		close(s.results)
	}
}
