package ui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-record/internal/recorder"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeRecorder struct {
	mu       sync.Mutex
	snap     recorder.Snapshot
	startErr error
	perms    int
	subs     []chan recorder.Snapshot
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{snap: recorder.Snapshot{State: recorder.StateIdle, Status: recorder.IdleStatus}}
}

func (f *fakeRecorder) RequestPermissions(context.Context) {
	f.mu.Lock()
	f.perms++
	f.mu.Unlock()
}

func (f *fakeRecorder) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.set(recorder.Snapshot{State: recorder.StateRecording, Status: recorder.ListeningStatus, FilePath: "/cache/RecordDemo.m4a"})
	return nil
}

func (f *fakeRecorder) Stop() {
	f.set(recorder.Snapshot{State: recorder.StateIdle, Status: recorder.IdleStatus})
}

func (f *fakeRecorder) set(snap recorder.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = snap
	for _, ch := range f.subs {
		ch <- snap
	}
}

func (f *fakeRecorder) Snapshot() recorder.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeRecorder) Subscribe() (<-chan recorder.Snapshot, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan recorder.Snapshot, 8)
	ch <- f.snap
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func newTestServer(rec Recorder) *httptest.Server {
	mux := http.NewServeMux()
	New(rec, newLogger()).Register(mux)
	return httptest.NewServer(mux)
}

func decodeSnapshot(t *testing.T, r io.Reader) recorder.Snapshot {
	t.Helper()
	var snap recorder.Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return snap
}

func TestIndexRequestsPermissionsOnce(t *testing.T) {
	rec := newFakeRecorder()
	srv := newTestServer(rec)
	defer srv.Close()

	for i := 0; i < 2; i++ {
		resp, err := http.Get(srv.URL + "/")
		if err != nil {
			t.Fatalf("get index: %v", err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "Not recording right now") {
			t.Fatalf("unexpected index response %d", resp.StatusCode)
		}
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.perms != 1 {
		t.Fatalf("expected permissions requested once, got %d", rec.perms)
	}
}

func TestRecordAndStop(t *testing.T) {
	rec := newFakeRecorder()
	srv := newTestServer(rec)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/record", "application/json", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	snap := decodeSnapshot(t, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || snap.State != recorder.StateRecording || snap.Status != recorder.ListeningStatus {
		t.Fatalf("unexpected record response %d %+v", resp.StatusCode, snap)
	}

	resp, err = http.Post(srv.URL+"/api/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	snap = decodeSnapshot(t, resp.Body)
	resp.Body.Close()
	if snap.Status != recorder.IdleStatus {
		t.Fatalf("expected idle status after stop, got %q", snap.Status)
	}

	resp, err = http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	snap = decodeSnapshot(t, resp.Body)
	resp.Body.Close()
	if snap.Status != recorder.IdleStatus {
		t.Fatalf("unexpected status %q", snap.Status)
	}
}

func TestRecordFailureReportsError(t *testing.T) {
	rec := newFakeRecorder()
	rec.startErr = errors.New("no capture device available")
	srv := newTestServer(rec)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/record", "application/json", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error != "no capture device available" {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestRecordRequiresPost(t *testing.T) {
	srv := newTestServer(newFakeRecorder())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/api/record")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestWebSocketPushesSnapshots(t *testing.T) {
	rec := newFakeRecorder()
	srv := newTestServer(rec)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first recorder.Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first snapshot: %v", err)
	}
	if first.Status != recorder.IdleStatus {
		t.Fatalf("unexpected first snapshot %v", first)
	}

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	var next recorder.Snapshot
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if next.State != recorder.StateRecording || next.Status != recorder.ListeningStatus {
		t.Fatalf("unexpected update %v", next)
	}
}

func TestCrossOriginRequestsRejected(t *testing.T) {
	rec := newFakeRecorder()
	srv := newTestServer(rec)
	defer srv.Close()

	for _, path := range []string{"/api/record", "/api/stop"} {
		req, err := http.NewRequest(http.MethodPost, srv.URL+path, strings.NewReader("a=b"))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Origin", "https://evil.example")
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("expected 403 for cross-origin %s, got %d", path, resp.StatusCode)
		}
	}
	if snap := rec.Snapshot(); snap.State != recorder.StateIdle {
		t.Fatalf("expected recorder untouched, got %+v", snap)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatalf("expected cross-origin websocket to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake response, got %v", resp)
	}
}

func TestSameOriginRequestsAllowed(t *testing.T) {
	rec := newFakeRecorder()
	srv := newTestServer(rec)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/record", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", srv.URL)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected same-origin record to succeed, got %d", resp.StatusCode)
	}
}
