package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-record/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenEphemeral(t *testing.T) {
	ctx := context.Background()
	cfg := config.EventStoreConfig{RetentionMode: "ephemeral"}
	es, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	if err := es.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := es.BeginSession(ctx, "s", "/tmp/a.m4a", "en-US"); err != nil {
		t.Fatalf("ephemeral begin should be a no-op: %v", err)
	}
	if _, err := es.GetSession(ctx, "s"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no rows, got %v", err)
	}
}

func TestSessionJournal(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "session"}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	start := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	es.clock = func() time.Time { return start }

	sessionID := "session-123"
	if err := es.BeginSession(ctx, sessionID, "/cache/RecordDemo.m4a", "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Kind: KindTranscriptPart, Payload: []byte("hello")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: sessionID, Kind: KindTranscriptFinal, Payload: []byte("hello world")}); err != nil {
		t.Fatalf("append event: %v", err)
	}
	es.clock = func() time.Time { return start.Add(time.Minute) }
	if err := es.EndSession(ctx, sessionID); err != nil {
		t.Fatalf("end session: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, sessionID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Kind != KindTranscriptPart || string(events[1].Payload) != "hello world" {
		t.Fatalf("unexpected events: %+v", events)
	}
	if !events[0].CreatedAt.Equal(start) {
		t.Fatalf("expected created at %s, got %s", start, events[0].CreatedAt)
	}

	sess, err := es.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.FilePath != "/cache/RecordDemo.m4a" || sess.Locale != "en-US" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if sess.StoppedAt.Sub(sess.StartedAt) != time.Minute {
		t.Fatalf("expected one minute session, got %s", sess.StoppedAt.Sub(sess.StartedAt))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	tmp := t.TempDir()
	cfg := config.EventStoreConfig{Path: filepath.Join(tmp, "events.db"), RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	ctx := context.Background()
	es.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "old-session", "", "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.AppendEvent(ctx, Event{SessionID: "old-session", Kind: KindSessionStarted}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	es.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := es.BeginSession(ctx, "new-session", "", "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.BeginSession(ctx, "newer-session", "", "en-US"); err != nil {
		t.Fatalf("begin session: %v", err)
	}
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned")
	}
	if _, err := es.GetSession(ctx, "old-session"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected old session row removed, got %v", err)
	}
}
