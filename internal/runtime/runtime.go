// Package runtime assembles the record daemon: telemetry, the optional NATS
// bus and transcriber worker, the event journal, the recorder and its HTTP
// surface.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-record/internal/bus"
	"github.com/loqalabs/loqa-record/internal/capture"
	"github.com/loqalabs/loqa-record/internal/config"
	"github.com/loqalabs/loqa-record/internal/eventstore"
	"github.com/loqalabs/loqa-record/internal/natsserver"
	"github.com/loqalabs/loqa-record/internal/recorder"
	"github.com/loqalabs/loqa-record/internal/recording"
	"github.com/loqalabs/loqa-record/internal/speech"
	"github.com/loqalabs/loqa-record/internal/transcriber"
	"github.com/loqalabs/loqa-record/internal/ui"
)

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	telemetryClose func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	nats        *natsserver.EmbeddedServer
	bus         *bus.Client
	transcriber *transcriber.Service
	store       *eventstore.Store
	recorder    *recorder.Service
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	handler, err := r.setup(ctx, metricsHandler)
	if err != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		_ = r.shutdown(shutdownCtx)
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if err := r.shutdown(shutdownCtx); err != nil {
		r.logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	return nil
}

// setup builds every component and returns the HTTP handler serving them.
func (r *Runtime) setup(ctx context.Context, metricsHandler http.Handler) (http.Handler, error) {
	if err := r.startBus(ctx); err != nil {
		return nil, err
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return nil, fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	rec, err := r.newRecorder(ctx)
	if err != nil {
		return nil, err
	}
	r.recorder = rec

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	ui.New(rec, r.logger).Register(mux)
	return mux, nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	srv, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats")))
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.nats = srv

	var servers []string
	if url := srv.ClientURL(); url != "" {
		servers = append(servers, url)
	}
	client, err := bus.Connect(ctx, r.cfg.Bus, r.cfg.RuntimeName, r.logger.With(slog.String("component", "bus")), servers...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client

	if !r.cfg.Transcriber.Enabled {
		return nil
	}
	engine, err := speech.NewTranscriber(r.cfg.Transcriber.Engine, r.cfg.Speech)
	if err != nil {
		return fmt.Errorf("failed to create transcriber engine: %w", err)
	}
	svc := transcriber.NewService(ctx, r.cfg, client, engine, r.logger.With(slog.String("component", "transcriber")))
	if err := svc.Start(); err != nil {
		return fmt.Errorf("failed to start transcriber: %w", err)
	}
	r.transcriber = svc
	return nil
}

func (r *Runtime) newRecorder(ctx context.Context) (*recorder.Service, error) {
	log := r.logger.With(slog.String("component", "capture"))

	// A missing microphone is reported when recording starts, not at boot.
	device, err := capture.NewDevice(r.cfg.Capture, log)
	if err != nil {
		log.Warn("audio input unavailable", slog.String("backend", r.cfg.Capture.Backend), slog.String("error", err.Error()))
		device = nil
	}
	engine := capture.NewEngine(capture.NewInputNode(device, log))

	recognizer, err := r.newRecognizer()
	if err != nil {
		return nil, err
	}

	settings := recording.SettingsFromConfig(r.cfg.Recording)
	locator, err := recording.NewLocator(r.cfg.Recording, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve record location: %w", err)
	}
	encoders, err := recording.NewEncoderFactory(r.cfg.Recording)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	opts := recorder.Options{
		Engine:        engine,
		Recognizer:    recognizer,
		Settings:      settings,
		Locator:       locator,
		Encoders:      encoders,
		TapBufferSize: r.cfg.Capture.TapBufferSize,
		RequestQueue:  r.cfg.Speech.QueueSize,
		Partials:      r.cfg.Speech.PartialResults,
		Logger:        r.logger,
	}
	if r.store != nil {
		opts.Journal = r.store
	}
	return recorder.New(ctx, opts)
}

func (r *Runtime) newRecognizer() (speech.Recognizer, error) {
	sc := r.cfg.Speech
	log := r.logger.With(slog.String("component", "speech"))
	timeout := time.Duration(sc.FinalTimeoutMS) * time.Millisecond
	if sc.Mode == "bus" {
		if r.bus == nil {
			return nil, errors.New("speech.mode=bus requires the bus to be enabled")
		}
		return speech.NewBusRecognizer(r.bus, sc.Locale, timeout, log), nil
	}
	engine, err := speech.NewTranscriber(sc.Mode, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech recognizer: %w", err)
	}
	return speech.NewLocalRecognizer(engine, sc.Locale, speech.StreamOptions{
		PartialEvery: time.Duration(sc.PartialEveryMS) * time.Millisecond,
		Timeout:      timeout,
		SampleRate:   sc.SampleRate,
	}, log), nil
}

// shutdown releases components in reverse order of creation.
func (r *Runtime) shutdown(ctx context.Context) error {
	var errs []error
	if r.recorder != nil {
		r.recorder.Close()
	}
	if r.transcriber != nil {
		r.transcriber.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load()
	if r.bus != nil && !r.bus.Healthy() {
		ready = false
	}
	if r.transcriber != nil && !r.transcriber.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
