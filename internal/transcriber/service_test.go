package transcriber

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/bus"
	"github.com/loqalabs/loqa-record/internal/config"
	"github.com/loqalabs/loqa-record/internal/natsserver"
	"github.com/loqalabs/loqa-record/internal/speech"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Speech.Mode = "bus"
	cfg.Speech.PartialEveryMS = 1
	cfg.Speech.FinalTimeoutMS = 5000
	cfg.Speech.SampleRate = 0
	cfg.Transcriber.Enabled = true
	return cfg
}

func startBus(t *testing.T, cfg config.Config) *bus.Client {
	t.Helper()
	log := newLogger()
	srv, err := natsserver.Start(cfg.Bus, log)
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), cfg.Bus, "transcriber-test", log, srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

type taskLog struct {
	mu       sync.Mutex
	partials []string
	final    speech.Transcription
	err      error
	done     chan bool
}

func newTaskLog() *taskLog { return &taskLog{done: make(chan bool, 1)} }

func (l *taskLog) DidDetectSpeech(*speech.Task)         {}
func (l *taskLog) DidRecord(*speech.Task, audio.Buffer) {}
func (l *taskLog) DidHypothesize(_ *speech.Task, tr speech.Transcription) {
	l.mu.Lock()
	l.partials = append(l.partials, tr.Text)
	l.mu.Unlock()
}
func (l *taskLog) DidFinishRecognition(t *speech.Task, tr speech.Transcription) {
	l.mu.Lock()
	l.final = tr
	l.err = t.Err()
	l.mu.Unlock()
}
func (l *taskLog) FinishedReadingAudio(*speech.Task) {}
func (l *taskLog) WasCancelled(*speech.Task)         {}
func (l *taskLog) DidFinish(_ *speech.Task, ok bool) { l.done <- ok }

func (l *taskLog) wait(t *testing.T) bool {
	t.Helper()
	select {
	case ok := <-l.done:
		return ok
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for recognition to finish")
		return false
	}
}

func block(frames int) audio.Buffer {
	samples := make([]int16, frames)
	for i := range samples {
		samples[i] = int16((i % 2) * 6000)
	}
	return audio.Buffer{Format: audio.Format{SampleRate: 16000, Channels: 1}, Samples: samples}
}

func TestBusRoundTrip(t *testing.T) {
	cfg := testConfig()
	client := startBus(t, cfg)

	svc := NewService(context.Background(), cfg, client, speech.NewMockTranscriber(), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if !svc.Healthy() {
		t.Fatalf("expected service healthy after start")
	}

	rec := speech.NewBusRecognizer(client, "en-US", 5*time.Second, newLogger())
	req := speech.NewRequest(32)
	req.ShouldReportPartialResults = true
	tl := newTaskLog()
	task, err := rec.RecognitionTask(context.Background(), req, tl)
	if err != nil {
		t.Fatalf("recognition task: %v", err)
	}
	for i := 0; i < 5; i++ {
		req.Append(block(1600))
		time.Sleep(5 * time.Millisecond)
	}
	req.EndAudio()

	if !tl.wait(t) {
		t.Fatalf("expected successful recognition, err=%v", task.Err())
	}
	tl.mu.Lock()
	defer tl.mu.Unlock()
	if !tl.final.Final || tl.final.Text != "[final transcript 500ms]" {
		t.Fatalf("unexpected final transcription %+v", tl.final)
	}
	for _, p := range tl.partials {
		if !strings.HasPrefix(p, "[partial transcript") {
			t.Fatalf("unexpected partial %q", p)
		}
	}
}

func TestBusNoSpeech(t *testing.T) {
	cfg := testConfig()
	client := startBus(t, cfg)

	svc := NewService(context.Background(), cfg, client, speech.NewMockTranscriber(), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if err := client.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rec := speech.NewBusRecognizer(client, "en-US", 5*time.Second, newLogger())
	req := speech.NewRequest(4)
	tl := newTaskLog()
	task, err := rec.RecognitionTask(context.Background(), req, tl)
	if err != nil {
		t.Fatalf("recognition task: %v", err)
	}
	req.EndAudio()
	if tl.wait(t) {
		t.Fatalf("expected recognition failure")
	}
	if !errors.Is(task.Err(), speech.ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech, got %v", task.Err())
	}
}

func TestBusRecognizerTimesOutWithoutWorker(t *testing.T) {
	cfg := testConfig()
	client := startBus(t, cfg)

	rec := speech.NewBusRecognizer(client, "en-US", 50*time.Millisecond, newLogger())
	req := speech.NewRequest(4)
	tl := newTaskLog()
	task, err := rec.RecognitionTask(context.Background(), req, tl)
	if err != nil {
		t.Fatalf("recognition task: %v", err)
	}
	req.Append(block(160))
	req.EndAudio()
	if tl.wait(t) {
		t.Fatalf("expected failure without a transcriber")
	}
	if !errors.Is(task.Err(), speech.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", task.Err())
	}
}

func TestDisabledServiceIsHealthy(t *testing.T) {
	cfg := config.Default()
	svc := NewService(context.Background(), cfg, nil, speech.NewMockTranscriber(), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start disabled service: %v", err)
	}
	defer svc.Close()
	if !svc.Healthy() || svc.Sessions() != 0 {
		t.Fatalf("expected idle healthy service")
	}
}
