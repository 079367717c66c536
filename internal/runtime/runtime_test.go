package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-record/internal/config"
	"github.com/loqalabs/loqa-record/internal/eventstore"
	"github.com/loqalabs/loqa-record/internal/recorder"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Capture.Backend = "tone"
	cfg.Capture.SampleRate = 16000
	cfg.Capture.FramesPerBuffer = 160
	cfg.Capture.TapBufferSize = 320
	cfg.Recording.Codec = "wav"
	cfg.Recording.CacheDir = dir
	cfg.Recording.SampleRate = 16000
	cfg.Speech.Mode = "mock"
	cfg.Speech.PartialEveryMS = 5
	cfg.Speech.FinalTimeoutMS = 5000
	cfg.Speech.SampleRate = 0
	cfg.EventStore.Path = filepath.Join(dir, "events.db")
	cfg.EventStore.RetentionMode = "persistent"
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	rt := New(cfg, newLogger())
	handler, err := rt.setup(context.Background(), nil)
	if err != nil {
		_ = rt.shutdown(context.Background())
		t.Fatalf("setup: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		if err := rt.shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return rt, srv
}

func post(t *testing.T, url string) recorder.Snapshot {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("post %s: %d %s", url, resp.StatusCode, body)
	}
	var snap recorder.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return snap
}

func waitForStatus(t *testing.T, rt *Runtime, cond func(recorder.Snapshot) bool) recorder.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := rt.recorder.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, last snapshot %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	rt, srv := startRuntime(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503 before start, got %d", resp.StatusCode)
	}

	rt.ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", resp.StatusCode)
	}
}

func TestRecordThroughHTTP(t *testing.T) {
	rt, srv := startRuntime(t, testConfig(t))

	snap := post(t, srv.URL+"/api/record")
	if snap.State != recorder.StateRecording || snap.Status != recorder.ListeningStatus {
		t.Fatalf("unexpected record snapshot %+v", snap)
	}
	if !strings.HasSuffix(snap.FilePath, filepath.Join("MACOSAPP", "Record", "RecordDemo.wav")) {
		t.Fatalf("unexpected record path %q", snap.FilePath)
	}
	sessionID := snap.SessionID

	waitForStatus(t, rt, func(s recorder.Snapshot) bool {
		return strings.HasPrefix(s.Status, "[partial transcript")
	})

	snap = post(t, srv.URL+"/api/stop")
	if snap.Status != recorder.IdleStatus {
		t.Fatalf("expected idle status, got %q", snap.Status)
	}

	// The journal keeps the session once the final transcript is in.
	waitForStatus(t, rt, func(s recorder.Snapshot) bool {
		return strings.HasPrefix(s.LastTranscript, "[final transcript")
	})
	deadline := time.Now().Add(3 * time.Second)
	for {
		events, err := rt.store.ListSessionEvents(context.Background(), sessionID, 0)
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		if hasKind(events, eventstore.KindTranscriptFinal) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("final transcript not journaled, got %d events", len(events))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBusRecognition(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Speech.Mode = "bus"
	cfg.Transcriber.Enabled = true
	cfg.Transcriber.Engine = "mock"
	cfg.EventStore.RetentionMode = "ephemeral"
	rt, srv := startRuntime(t, cfg)

	if rt.nats == nil || rt.bus == nil || rt.transcriber == nil {
		t.Fatalf("expected bus components to be running")
	}

	post(t, srv.URL+"/api/record")
	waitForStatus(t, rt, func(s recorder.Snapshot) bool {
		return strings.HasPrefix(s.Status, "[partial transcript")
	})
	post(t, srv.URL+"/api/stop")
	waitForStatus(t, rt, func(s recorder.Snapshot) bool {
		return strings.HasPrefix(s.LastTranscript, "[final transcript")
	})
}

func TestMissingDeviceKeepsServing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Capture.Backend = "wav"
	cfg.Capture.WAVPath = filepath.Join(t.TempDir(), "missing.wav")
	_, srv := startRuntime(t, cfg)

	resp, err := http.Post(srv.URL+"/api/record", "application/json", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500 without an input device, got %d", resp.StatusCode)
	}
	var body struct {
		Error    string            `json:"error"`
		Snapshot recorder.Snapshot `json:"snapshot"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error == "" || body.Snapshot.Status != recorder.IdleStatus {
		t.Fatalf("unexpected failure body %+v", body)
	}
}

func hasKind(events []eventstore.Event, kind string) bool {
	for _, evt := range events {
		if evt.Kind == kind {
			return true
		}
	}
	return false
}
