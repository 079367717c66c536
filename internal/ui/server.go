// Package ui serves the single-screen recorder page and its JSON API.
package ui

import (
	"context"
	"embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-record/internal/recorder"
)

//go:embed static/index.html
var staticFS embed.FS

// Recorder is the session the page controls.
type Recorder interface {
	RequestPermissions(ctx context.Context)
	Start(ctx context.Context) error
	Stop()
	Snapshot() recorder.Snapshot
	Subscribe() (<-chan recorder.Snapshot, func())
}

type errorResponse struct {
	Error    string            `json:"error"`
	Snapshot recorder.Snapshot `json:"snapshot"`
}

const writeWait = 5 * time.Second

type Server struct {
	rec      Recorder
	log      *slog.Logger
	upgrader websocket.Upgrader
	perms    sync.Once
}

func New(rec Recorder, log *slog.Logger) *Server {
	return &Server{
		rec: rec,
		log: log.With(slog.String("component", "ui")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
}

// Register mounts the page and API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /api/record", s.guard(s.handleRecord))
	mux.HandleFunc("POST /api/stop", s.guard(s.handleStop))
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/ws", s.handleWS)
}

// handleIndex serves the page. The first load asks for permissions.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.perms.Do(func() { s.rec.RequestPermissions(r.Context()) })
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

// guard rejects browser requests coming from another site, so a page the
// user happens to visit cannot switch the microphone on.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sameOrigin(r) {
			s.log.Warn("rejected cross-origin request", slog.String("path", r.URL.Path), slog.String("origin", r.Header.Get("Origin")))
			http.Error(w, "cross-origin request rejected", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// sameOrigin accepts requests without an Origin header (non-browser clients)
// and requests whose Origin host matches the Host they were sent to.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.rec.Start(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error(), Snapshot: s.rec.Snapshot()})
		return
	}
	writeJSON(w, http.StatusOK, s.rec.Snapshot())
}

func (s *Server) handleStop(w http.ResponseWriter, _ *http.Request) {
	s.rec.Stop()
	writeJSON(w, http.StatusOK, s.rec.Snapshot())
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.Snapshot())
}

// handleWS pushes every snapshot change until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	updates, cancel := s.rec.Subscribe()
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(snap); err != nil {
				s.log.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
