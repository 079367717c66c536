package natsserver

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-record/internal/config"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestStartDisabled(t *testing.T) {
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: false}, newLogger())
	if err != nil || srv != nil {
		t.Fatalf("expected no server for external bus, got %v %v", srv, err)
	}
	if srv.ClientURL() != "" {
		t.Fatalf("expected empty url for nil server")
	}
	srv.Shutdown()
}

func TestStartEmbedded(t *testing.T) {
	srv, err := Start(config.BusConfig{Enabled: true, Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.Shutdown()

	url := srv.ClientURL()
	if !strings.HasPrefix(url, "nats://127.0.0.1:") {
		t.Fatalf("unexpected client url %q", url)
	}
	nc, err := nats.Connect(url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	sub, err := nc.SubscribeSync("ping")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Publish("ping", []byte("pong")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	msg, err := sub.NextMsg(2 * time.Second)
	if err != nil || string(msg.Data) != "pong" {
		t.Fatalf("expected pong, got %v %v", msg, err)
	}
}
