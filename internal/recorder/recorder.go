// Package recorder owns the microphone and runs the record-and-transcribe
// session: one capture pipeline writing the record file and one recognition
// task turning the same input into text.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/capture"
	"github.com/loqalabs/loqa-record/internal/eventstore"
	"github.com/loqalabs/loqa-record/internal/permission"
	"github.com/loqalabs/loqa-record/internal/recording"
	"github.com/loqalabs/loqa-record/internal/speech"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrNotProvisioned is returned when an operation needs the capture output
// but no session has been prepared.
var ErrNotProvisioned = errors.New("recorder output is not provisioned")

// Journal receives the session history. *eventstore.Store satisfies it.
type Journal interface {
	BeginSession(ctx context.Context, sessionID, filePath, locale string) error
	EndSession(ctx context.Context, sessionID string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	Prune(ctx context.Context) error
}

type Options struct {
	Engine        *capture.Engine
	Recognizer    speech.Recognizer
	Settings      recording.Settings
	Locator       *recording.Locator
	Encoders      recording.EncoderFactory
	Journal       Journal
	TapBufferSize int
	RequestQueue  int
	Partials      bool
	Logger        *slog.Logger
}

type Service struct {
	ctx        context.Context
	engine     *capture.Engine
	node       *capture.InputNode
	recognizer speech.Recognizer
	settings   recording.Settings
	locator    *recording.Locator
	encoders   recording.EncoderFactory
	journal    Journal
	tapSize    int
	queue      int
	partials   bool
	log        *slog.Logger
	tracer     trace.Tracer
	metrics    *metrics
	state      *observable
	current    atomic.Pointer[activeTask]

	mu        sync.Mutex
	session   *capture.Session
	output    *recording.FileOutput
	request   *speech.Request
	task      *speech.Task
	sessionID string
	span      trace.Span
	startedAt time.Time
}

// activeTask pairs the recognition task whose callbacks are honoured with
// the session it transcribes.
type activeTask struct {
	task      *speech.Task
	sessionID string
}

// New builds the recorder. ctx bounds the encoder processes and recognition
// tasks it starts, so it should live as long as the recorder.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Engine == nil || opts.Engine.InputNode() == nil {
		return nil, capture.ErrNoDevice
	}
	if opts.Recognizer == nil {
		return nil, errors.New("recorder needs a speech recognizer")
	}
	if opts.Locator == nil || opts.Encoders == nil {
		return nil, errors.New("recorder needs a file locator and encoder")
	}
	if opts.TapBufferSize <= 0 {
		opts.TapBufferSize = 1024
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		ctx:        ctx,
		engine:     opts.Engine,
		node:       opts.Engine.InputNode(),
		recognizer: opts.Recognizer,
		settings:   opts.Settings,
		locator:    opts.Locator,
		encoders:   opts.Encoders,
		journal:    opts.Journal,
		tapSize:    opts.TapBufferSize,
		queue:      opts.RequestQueue,
		partials:   opts.Partials,
		log:        log.With(slog.String("component", "recorder")),
		tracer:     otel.Tracer(instrumentation),
		state:      newObservable(),
	}
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	s.recognizer.OnAvailabilityChange(func(available bool) {
		s.log.Info("speech recognizer availability changed", slog.Bool("available", available))
	})
	return s, nil
}

// RequestPermissions asks the microphone and the recognizer for access. The
// answers are logged and exposed in the snapshot; they never block a
// recording.
func (s *Service) RequestPermissions(ctx context.Context) {
	mic := permission.Restricted
	if dev := s.node.Device(); dev != nil {
		mic = dev.Authorize(ctx)
	}
	sp := s.recognizer.Authorize(ctx)
	s.log.Info("microphone permission", slog.String("status", mic.String()))
	s.log.Info("speech recognition permission", slog.String("status", sp.String()), slog.String("locale", s.recognizer.Locale()))
	s.state.update(func(snap *Snapshot) {
		snap.Permissions = Permissions{Microphone: mic.String(), Speech: sp.String()}
	})
}

// Start provisions the capture pipeline when needed, installs the tap that
// feeds recognition and begins writing the record file. Calling Start while
// recording keeps the current session and resets the status text.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	provisioned := s.output != nil
	s.state.update(func(snap *Snapshot) {
		snap.Status = ListeningStatus
		snap.Error = ""
		if !provisioned {
			snap.State = StatePreparing
		}
	})

	if err := s.startLocked(ctx, provisioned); err != nil {
		s.log.Error("failed to start recording", slog.String("error", err.Error()))
		s.teardownLocked(err)
		s.state.update(func(snap *Snapshot) {
			snap.State = StateIdle
			snap.Status = IdleStatus
			snap.SessionID = ""
			snap.FilePath = ""
			snap.StartedAt = nil
			snap.Error = err.Error()
		})
		return err
	}
	return nil
}

func (s *Service) startLocked(ctx context.Context, provisioned bool) error {
	if !provisioned {
		if err := s.prepare(ctx); err != nil {
			return err
		}
		if err := s.prepareSpeech(); err != nil {
			return err
		}
	}

	s.node.RemoveTap(0)
	req := s.request
	if err := s.node.InstallTap(0, s.tapSize, func(buf audio.Buffer) {
		req.Append(buf)
	}); err != nil {
		return fmt.Errorf("install tap: %w", err)
	}

	if err := s.engine.Prepare(); err != nil {
		return fmt.Errorf("prepare audio engine: %w", err)
	}
	path, err := s.locator.FilePath()
	if err != nil {
		return fmt.Errorf("resolve record file: %w", err)
	}
	if !s.output.IsRecording() {
		if err := s.output.StartRecording(s.ctx, path, s); err != nil {
			return fmt.Errorf("start file capture: %w", err)
		}
	}
	if err := s.engine.Start(); err != nil {
		return fmt.Errorf("start audio engine: %w", err)
	}

	if !provisioned {
		s.startedAt = time.Now()
		s.span.SetAttributes(attribute.String("record.file", path))
		if s.journal != nil {
			if err := s.journal.BeginSession(s.ctx, s.sessionID, path, s.recognizer.Locale()); err != nil {
				s.log.Warn("failed to journal session start", slog.String("error", err.Error()))
			}
		}
		s.appendEvent(s.sessionID, eventstore.KindSessionStarted, []byte(path))
		s.countSession()
		s.log.Info("recording session started", slog.String("session_id", s.sessionID), slog.String("path", path))
	}

	started := s.startedAt
	sessionID := s.sessionID
	s.state.update(func(snap *Snapshot) {
		snap.State = StateRecording
		snap.SessionID = sessionID
		snap.FilePath = path
		snap.StartedAt = &started
	})
	return nil
}

// prepare builds the capture session routing the microphone into the file
// output and starts it.
func (s *Service) prepare(ctx context.Context) error {
	s.sessionID = uuid.NewString()
	_, s.span = s.tracer.Start(ctx, "record.session", trace.WithAttributes(
		attribute.String("record.session_id", s.sessionID),
		attribute.String("record.codec", string(s.settings.Codec)),
	))

	input, err := capture.NewDeviceInput(s.node)
	if err != nil {
		return fmt.Errorf("capture input: %w", err)
	}
	output := recording.NewFileOutput(s.settings, input.Format(), s.encoders, s.log)

	session := capture.NewSession(s.log)
	session.BeginConfiguration()
	if !session.CanAddInput(input) {
		session.CommitConfiguration()
		return errors.New("cannot add microphone input to capture session")
	}
	if err := session.AddInput(input); err != nil {
		session.CommitConfiguration()
		return fmt.Errorf("add capture input: %w", err)
	}
	if !session.CanAddOutput(output) {
		session.CommitConfiguration()
		return errors.New("cannot add file output to capture session")
	}
	if err := session.AddOutput(output); err != nil {
		session.CommitConfiguration()
		return fmt.Errorf("add capture output: %w", err)
	}
	session.CommitConfiguration()

	if err := session.StartRunning(); err != nil {
		return fmt.Errorf("start capture session: %w", err)
	}
	s.session = session
	s.output = output
	return nil
}

// prepareSpeech replaces any previous recognition task with a new one fed by
// a fresh request.
func (s *Service) prepareSpeech() error {
	s.current.Store(nil)
	if s.task != nil {
		s.task.Cancel()
		s.task = nil
	}
	req := speech.NewRequest(s.queue)
	req.ShouldReportPartialResults = s.partials
	task, err := s.recognizer.RecognitionTask(s.ctx, req, s)
	if err != nil {
		return fmt.Errorf("start recognition: %w", err)
	}
	s.request = req
	s.task = task
	s.current.Store(&activeTask{task: task, sessionID: s.sessionID})
	return nil
}

// Stop ends the request audio, finalises the file and releases the capture
// pipeline. It is safe to call at any time, including from delegate
// callbacks.
func (s *Service) Stop() {
	s.stop(nil)
}

// stop tears the session down. With a non-nil t it only does so while t is
// still the active task, so a late callback cannot end a newer session.
func (s *Service) stop(t *speech.Task) {
	s.mu.Lock()
	if t != nil {
		if _, ok := s.active(t); !ok {
			s.mu.Unlock()
			return
		}
	}
	s.teardownLocked(nil)
	s.mu.Unlock()

	s.state.update(func(snap *Snapshot) {
		snap.State = StateIdle
		snap.Status = IdleStatus
		snap.StartedAt = nil
	})
}

// teardownLocked releases every handle. The recognition task is left
// running so it can deliver the final transcription of the ended request.
func (s *Service) teardownLocked(cause error) {
	if s.request != nil {
		s.request.EndAudio()
	}
	if s.output != nil {
		s.output.StopRecording()
	}
	if s.session != nil {
		s.session.StopRunning()
	}
	s.engine.Stop()
	s.node.RemoveTap(0)

	wasActive := s.output != nil
	s.output = nil
	s.session = nil
	s.request = nil
	if cause != nil && s.task != nil {
		s.task.Cancel()
		s.task = nil
		s.current.Store(nil)
	}

	if s.span != nil {
		if cause != nil {
			s.span.RecordError(cause)
			s.span.SetStatus(codes.Error, cause.Error())
		}
		s.span.End()
		s.span = nil
	}
	if !wasActive || s.startedAt.IsZero() {
		return
	}
	elapsed := time.Since(s.startedAt)
	s.recordDuration(elapsed.Seconds())
	s.log.Info("recording session stopped", slog.String("session_id", s.sessionID), slog.Duration("duration", elapsed.Round(time.Millisecond)))
	s.appendEvent(s.sessionID, eventstore.KindSessionStopped, nil)
	if s.journal != nil {
		if err := s.journal.EndSession(s.ctx, s.sessionID); err != nil {
			s.log.Warn("failed to journal session stop", slog.String("error", err.Error()))
		}
		if err := s.journal.Prune(s.ctx); err != nil {
			s.log.Warn("failed to prune journal", slog.String("error", err.Error()))
		}
	}
	s.startedAt = time.Time{}
}

// Close stops recording and cancels the recognition task.
func (s *Service) Close() {
	s.Stop()
	s.mu.Lock()
	task := s.task
	s.task = nil
	s.mu.Unlock()
	s.current.Store(nil)
	if task != nil {
		task.Cancel()
		<-task.Done()
	}
}

// Recording reports whether the file output is provisioned.
func (s *Service) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output != nil
}

// FilePath returns the file being recorded, or ErrNotProvisioned when idle.
func (s *Service) FilePath() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.output == nil || !s.output.IsRecording() {
		return "", ErrNotProvisioned
	}
	return s.output.Path(), nil
}

// Status returns the current status text.
func (s *Service) Status() string {
	return s.state.get().Status
}

func (s *Service) Snapshot() Snapshot {
	return s.state.get()
}

// Subscribe returns a channel that receives the current snapshot followed by
// every change. Slow readers only miss intermediate snapshots. The returned
// func unsubscribes and closes the channel.
func (s *Service) Subscribe() (<-chan Snapshot, func()) {
	return s.state.subscribe()
}

func (s *Service) appendEvent(sessionID, kind string, payload []byte) {
	if s.journal == nil || sessionID == "" {
		return
	}
	evt := eventstore.Event{SessionID: sessionID, Kind: kind, Payload: payload}
	if err := s.journal.AppendEvent(s.ctx, evt); err != nil {
		s.log.Warn("failed to journal event", slog.String("kind", kind), slog.String("error", err.Error()))
	}
}
