package speech

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-record/internal/bus"
	"github.com/loqalabs/loqa-record/internal/permission"
	"github.com/loqalabs/loqa-record/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusRecognizer streams audio to a transcriber worker over NATS and turns
// the transcripts it publishes back into delegate calls.
type BusRecognizer struct {
	bus     *bus.Client
	locale  string
	timeout time.Duration
	log     *slog.Logger
}

func NewBusRecognizer(client *bus.Client, locale string, finalTimeout time.Duration, log *slog.Logger) *BusRecognizer {
	if finalTimeout <= 0 {
		finalTimeout = 45 * time.Second
	}
	return &BusRecognizer{bus: client, locale: locale, timeout: finalTimeout, log: log}
}

func (r *BusRecognizer) Locale() string { return r.locale }

// Authorize reports Restricted while the bus is disconnected.
func (r *BusRecognizer) Authorize(context.Context) permission.Status {
	if !r.bus.Healthy() {
		return permission.Restricted
	}
	return permission.Authorized
}

func (r *BusRecognizer) OnAvailabilityChange(fn func(bool)) {
	r.bus.OnConnectionChange(fn)
}

func (r *BusRecognizer) RecognitionTask(ctx context.Context, req *Request, delegate TaskDelegate) (*Task, error) {
	if req == nil || delegate == nil {
		return nil, errors.New("recognition task needs a request and a delegate")
	}
	if !r.bus.Healthy() {
		return nil, errors.New("speech bus is not connected")
	}
	task, taskCtx := newTask(ctx)

	transcripts := make(chan protocol.Transcript, 32)
	handler := func(msg *nats.Msg) {
		var tr protocol.Transcript
		if err := json.Unmarshal(msg.Data, &tr); err != nil {
			r.log.Warn("failed to decode transcript", slog.String("error", err.Error()))
			return
		}
		if tr.SessionID != task.ID() {
			return
		}
		if msg.Subject == protocol.SubjectTranscriptError && tr.Error == "" {
			tr.Error = "transcription failed"
		}
		select {
		case transcripts <- tr:
		case <-taskCtx.Done():
		}
	}

	var subs []*nats.Subscription
	for _, subject := range []string{protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal, protocol.SubjectTranscriptError} {
		sub, err := r.bus.Conn().Subscribe(subject, handler)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			task.cancel()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	if err := r.bus.Flush(taskCtx); err != nil {
		r.log.Warn("flush transcript subscriptions", slog.String("error", err.Error()))
	}

	run := &runner{task: task, delegate: delegate, partials: req.ShouldReportPartialResults}
	subject := protocol.AudioFrameSubject(task.ID())

	go func() {
		defer task.complete()
		defer func() {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
		}()
		task.setState(StateRunning)

		var (
			seq      int
			buffers  = req.buffers()
			deadline <-chan time.Time
		)
		for {
			select {
			case <-taskCtx.Done():
				run.cancelled(taskCtx.Err())
				return
			case <-deadline:
				run.finished(Transcription{}, ErrTimeout)
				return
			case buf, ok := <-buffers:
				if !ok {
					buffers = nil
					task.setState(StateFinishing)
					delegate.FinishedReadingAudio(task)
					frame := protocol.AudioFrame{SessionID: task.ID(), Sequence: seq, Interim: req.ShouldReportPartialResults, Final: true}
					if err := r.bus.PublishJSON(subject, frame); err != nil {
						run.finished(Transcription{}, err)
						return
					}
					deadline = time.After(r.timeout)
					continue
				}
				run.observe(buf)
				frame := protocol.AudioFrame{
					SessionID:  task.ID(),
					Sequence:   seq,
					SampleRate: buf.Format.SampleRate,
					Channels:   buf.Format.Channels,
					PCM:        buf.Bytes(),
					Interim:    req.ShouldReportPartialResults,
				}
				seq++
				if err := r.bus.PublishJSON(subject, frame); err != nil {
					r.log.Warn("failed to publish audio frame", slog.String("task", task.ID()), slog.String("error", err.Error()))
				}
			case tr := <-transcripts:
				switch {
				case tr.Error != "":
					err := errors.New(tr.Error)
					if tr.Error == ErrNoSpeech.Error() {
						err = ErrNoSpeech
					}
					run.finished(Transcription{}, err)
					return
				case tr.Partial:
					run.hypothesize(Transcription{Text: tr.Text, Confidence: tr.Confidence})
				default:
					run.finished(Transcription{Text: tr.Text, Confidence: tr.Confidence}, nil)
					return
				}
			}
		}
	}()

	return task, nil
}
