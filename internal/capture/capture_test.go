package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/config"
	"github.com/loqalabs/loqa-record/internal/permission"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var testFormat = audio.Format{SampleRate: 8000, Channels: 1}

type collector struct {
	mu      sync.Mutex
	buffers []audio.Buffer
}

func (c *collector) Consume(buf audio.Buffer) {
	c.mu.Lock()
	c.buffers = append(c.buffers, buf)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffers)
}

func (c *collector) snapshot() []audio.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.Buffer(nil), c.buffers...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPacedDeviceLifecycle(t *testing.T) {
	dev := NewToneDevice(testFormat, 80, 440)
	if dev.Authorize(context.Background()) != permission.Authorized {
		t.Fatalf("expected tone device authorized")
	}
	c := &collector{}
	if err := dev.Start(c.Consume); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := dev.Start(c.Consume); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	waitFor(t, "tone buffers", func() bool { return c.count() >= 2 })
	if err := dev.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := dev.Stop(); err != nil {
		t.Fatalf("double stop: %v", err)
	}

	bufs := c.snapshot()
	if bufs[0].Frames() != 80 {
		t.Fatalf("expected 80 frames per buffer, got %d", bufs[0].Frames())
	}
	if bufs[1].Offset != 10*time.Millisecond {
		t.Fatalf("expected second buffer at 10ms, got %s", bufs[1].Offset)
	}
	if bufs[0].RMS() == 0 {
		t.Fatalf("expected non-silent tone")
	}
}

func TestNewDeviceSelectsBackend(t *testing.T) {
	cfg := config.CaptureConfig{Backend: "silence", SampleRate: 8000, Channels: 1, FramesPerBuffer: 80}
	dev, err := NewDevice(cfg, newLogger())
	if err != nil {
		t.Fatalf("new device: %v", err)
	}
	if dev.Name() != "silence" || dev.Format() != testFormat {
		t.Fatalf("unexpected device %s %s", dev.Name(), dev.Format())
	}

	cfg.Backend = "alsa"
	if _, err := NewDevice(cfg, newLogger()); err == nil {
		t.Fatalf("expected unknown backend error")
	}
}

func TestWAVDeviceReplays(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, 8000, 16, 1, 1)
	data := make([]int, 200)
	for i := range data {
		data[i] = i
	}
	if err := enc.Write(&goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: 8000}, Data: data, SourceBitDepth: 16}); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	f.Close()

	dev, err := OpenWAVDevice(path, 80, false)
	if err != nil {
		t.Fatalf("open wav device: %v", err)
	}
	if dev.Format() != testFormat {
		t.Fatalf("unexpected format %s", dev.Format())
	}
	if dev.Authorize(context.Background()) != permission.Authorized {
		t.Fatalf("expected readable wav authorized")
	}

	c := &collector{}
	if err := dev.Start(c.Consume); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, "wav buffers", func() bool { return c.count() >= 3 })
	time.Sleep(30 * time.Millisecond)
	_ = dev.Stop()

	bufs := c.snapshot()
	if len(bufs) != 3 {
		t.Fatalf("expected exactly 3 buffers without loop, got %d", len(bufs))
	}
	if len(bufs[2].Samples) != 40 || bufs[2].Samples[0] != 160 {
		t.Fatalf("unexpected tail buffer %v", bufs[2].Samples[:1])
	}
}

func TestOpenWAVDeviceMissing(t *testing.T) {
	if _, err := OpenWAVDevice(filepath.Join(t.TempDir(), "none.wav"), 80, false); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}

func TestInputNodeSharesDevice(t *testing.T) {
	node := NewInputNode(NewSilenceDevice(testFormat, 80), newLogger())
	a, b := &collector{}, &collector{}

	detachA, err := node.Attach(a.Consume)
	if err != nil {
		t.Fatalf("attach a: %v", err)
	}
	detachB, err := node.Attach(b.Consume)
	if err != nil {
		t.Fatalf("attach b: %v", err)
	}
	waitFor(t, "both consumers", func() bool { return a.count() > 0 && b.count() > 0 })

	detachA()
	detachA()
	if !node.Running() {
		t.Fatalf("expected device running while b attached")
	}
	detachB()
	if node.Running() {
		t.Fatalf("expected device stopped after last detach")
	}
}

func TestTapRebuffersWhileEngineRuns(t *testing.T) {
	node := NewInputNode(NewToneDevice(testFormat, 80, 300), newLogger())
	engine := NewEngine(node)

	c := &collector{}
	if err := node.InstallTap(0, 200, c.Consume); err != nil {
		t.Fatalf("install tap: %v", err)
	}
	if err := node.InstallTap(0, 200, c.Consume); !errors.Is(err, ErrTapInstalled) {
		t.Fatalf("expected ErrTapInstalled, got %v", err)
	}
	if err := node.InstallTap(1, 200, c.Consume); err == nil {
		t.Fatalf("expected error for bus 1")
	}

	if err := engine.Prepare(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := engine.Start(); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	waitFor(t, "tap buffers", func() bool { return c.count() >= 2 })
	engine.Stop()
	node.RemoveTap(0)

	for _, buf := range c.snapshot() {
		if buf.Frames() != 200 {
			t.Fatalf("expected 200-frame tap buffers, got %d", buf.Frames())
		}
	}
	if node.HasTap(0) {
		t.Fatalf("expected tap removed")
	}
	if engine.IsRunning() || node.Running() {
		t.Fatalf("expected engine and device stopped")
	}
}

func TestSessionRoutesInputToOutputs(t *testing.T) {
	node := NewInputNode(NewSilenceDevice(testFormat, 80), newLogger())
	input, err := NewDeviceInput(node)
	if err != nil {
		t.Fatalf("device input: %v", err)
	}
	out := &collector{}
	session := NewSession(newLogger())

	if err := session.AddInput(input); err == nil {
		t.Fatalf("expected error adding input outside configuration")
	}

	session.BeginConfiguration()
	if !session.CanAddInput(input) {
		t.Fatalf("expected input accepted")
	}
	if err := session.AddInput(input); err != nil {
		t.Fatalf("add input: %v", err)
	}
	if session.CanAddInput(input) {
		t.Fatalf("expected second input rejected")
	}
	if !session.CanAddOutput(out) {
		t.Fatalf("expected output accepted")
	}
	if err := session.AddOutput(out); err != nil {
		t.Fatalf("add output: %v", err)
	}
	if session.CanAddOutput(out) {
		t.Fatalf("expected duplicate output rejected")
	}
	session.CommitConfiguration()

	if err := session.StartRunning(); err != nil {
		t.Fatalf("start running: %v", err)
	}
	if err := session.StartRunning(); !errors.Is(err, ErrRunning) {
		t.Fatalf("expected ErrRunning, got %v", err)
	}
	waitFor(t, "session output", func() bool { return out.count() > 0 })
	session.StopRunning()
	session.StopRunning()
	if session.IsRunning() || node.Running() {
		t.Fatalf("expected session and device stopped")
	}
}

func TestDeviceInputRequiresDevice(t *testing.T) {
	if _, err := NewDeviceInput(NewInputNode(nil, newLogger())); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("expected ErrNoDevice, got %v", err)
	}
}
