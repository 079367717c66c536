package speech

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-record/internal/permission"
)

// LocalRecognizer runs a Transcriber in process.
type LocalRecognizer struct {
	transcriber Transcriber
	locale      string
	opts        StreamOptions
	log         *slog.Logger
}

func NewLocalRecognizer(t Transcriber, locale string, opts StreamOptions, log *slog.Logger) *LocalRecognizer {
	return &LocalRecognizer{transcriber: t, locale: locale, opts: opts, log: log}
}

func (r *LocalRecognizer) Locale() string { return r.locale }

func (r *LocalRecognizer) Authorize(ctx context.Context) permission.Status {
	if a, ok := r.transcriber.(interface {
		Authorize(context.Context) permission.Status
	}); ok {
		return a.Authorize(ctx)
	}
	return permission.Authorized
}

// OnAvailabilityChange is a no-op: an in-process transcriber never goes away.
func (r *LocalRecognizer) OnAvailabilityChange(func(bool)) {}

// RecognitionTask starts transcribing req. The task runs until the request
// ends and the final transcription is delivered, or until ctx or the task is
// cancelled.
func (r *LocalRecognizer) RecognitionTask(ctx context.Context, req *Request, delegate TaskDelegate) (*Task, error) {
	if req == nil || delegate == nil {
		return nil, errors.New("recognition task needs a request and a delegate")
	}
	task, taskCtx := newTask(ctx)

	opts := r.opts
	if !req.ShouldReportPartialResults {
		opts.PartialEvery = 0
	}
	stream := NewStream(taskCtx, r.transcriber, opts)
	run := &runner{task: task, delegate: delegate, partials: req.ShouldReportPartialResults}

	go func() {
		defer task.complete()
		defer stream.Wait()
		task.setState(StateRunning)

		buffers := req.buffers()
		results := stream.Results()
		for {
			select {
			case <-taskCtx.Done():
				run.cancelled(taskCtx.Err())
				return
			case buf, ok := <-buffers:
				if !ok {
					buffers = nil
					task.setState(StateFinishing)
					delegate.FinishedReadingAudio(task)
					stream.Finish()
					continue
				}
				run.observe(buf)
				if err := stream.Write(buf); err != nil {
					r.log.Warn("speech stream rejected buffer", slog.String("task", task.ID()), slog.String("error", err.Error()))
				}
			case res, ok := <-results:
				if !ok {
					return
				}
				if !res.Final {
					run.hypothesize(Transcription{Text: res.Text, Confidence: res.Confidence})
					continue
				}
				run.finished(Transcription{Text: res.Text, Confidence: res.Confidence}, res.Err)
				return
			}
		}
	}()

	r.log.Debug("recognition task started", slog.String("task", task.ID()), slog.String("locale", r.locale), slog.Duration("partial_every", opts.PartialEvery.Round(time.Millisecond)))
	return task, nil
}
