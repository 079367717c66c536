// Package transcriber serves speech recognition over the bus for recorders
// running with speech.mode=bus.
package transcriber

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/bus"
	"github.com/loqalabs/loqa-record/internal/config"
	"github.com/loqalabs/loqa-record/internal/protocol"
	"github.com/loqalabs/loqa-record/internal/speech"
	"github.com/nats-io/nats.go"
)

type Service struct {
	cfg         config.SpeechConfig
	enabled     bool
	bus         *bus.Client
	transcriber speech.Transcriber
	log         *slog.Logger
	sessions    map[string]*sessionState
	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	sub         *nats.Subscription
	wg          sync.WaitGroup
	ready       bool
	idleAfter   time.Duration
	now         func() time.Time
}

type sessionState struct {
	stream   *speech.Stream
	cancel   context.CancelFunc
	lastSeen time.Time
	finished bool
}

func NewService(parent context.Context, cfg config.Config, busClient *bus.Client, t speech.Transcriber, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	idle := 2 * time.Duration(cfg.Speech.FinalTimeoutMS) * time.Millisecond
	if idle <= 0 {
		idle = 90 * time.Second
	}
	return &Service{
		cfg:         cfg.Speech,
		enabled:     cfg.Transcriber.Enabled,
		bus:         busClient,
		transcriber: t,
		log:         log,
		sessions:    make(map[string]*sessionState),
		ctx:         ctx,
		cancel:      cancel,
		idleAfter:   idle,
		now:         time.Now,
	}
}

func (s *Service) Start() error {
	if !s.enabled {
		return nil
	}
	subject := protocol.SubjectAudioFramePrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub

	s.wg.Add(1)
	go s.evictLoop()

	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	s.log.Info("transcriber listening", slog.String("subject", subject))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.enabled || s.ready
}

// Sessions returns the number of utterances being transcribed.
func (s *Service) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		return
	}

	state := s.session(frame)
	if state == nil {
		return
	}

	if len(frame.PCM) > 0 {
		buf := audio.Buffer{
			Format:  audio.Format{SampleRate: frame.SampleRate, Channels: frame.Channels},
			Samples: audio.BytesToInt16(frame.PCM),
		}
		if err := state.stream.Write(buf); err != nil {
			s.log.Warn("rejected audio frame", slog.String("session_id", frame.SessionID), slogError(err))
		}
	}
	if frame.Final {
		state.stream.Finish()
	}
}

// session returns the state for frame's session, creating it on first sight.
// Frames for a session that already finished are ignored.
func (s *Service) session(frame protocol.AudioFrame) *sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.sessions[frame.SessionID]
	if state != nil {
		if state.finished {
			return nil
		}
		state.lastSeen = s.now()
		if frame.Final {
			state.finished = true
		}
		return state
	}

	ctx, cancel := context.WithCancel(s.ctx)
	opts := speech.StreamOptions{
		Timeout:    time.Duration(s.cfg.FinalTimeoutMS) * time.Millisecond,
		SampleRate: s.cfg.SampleRate,
	}
	if frame.Interim {
		opts.PartialEvery = time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	}
	state = &sessionState{
		stream:   speech.NewStream(ctx, s.transcriber, opts),
		cancel:   cancel,
		lastSeen: s.now(),
		finished: frame.Final,
	}
	s.sessions[frame.SessionID] = state

	s.wg.Add(1)
	go s.forward(frame.SessionID, state)
	return state
}

// forward publishes stream results until the final one.
func (s *Service) forward(sessionID string, state *sessionState) {
	defer s.wg.Done()
	failed := false
	defer func() {
		state.cancel()
		state.stream.Wait()
		s.mu.Lock()
		// A failed session stays as a finished entry so frames still in
		// flight are dropped; evictIdle removes it later.
		if failed {
			state.finished = true
		} else if s.sessions[sessionID] == state {
			delete(s.sessions, sessionID)
		}
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		case res, ok := <-state.stream.Results():
			if !ok {
				return
			}
			if res.Err != nil {
				s.mu.Lock()
				failed = !state.finished
				s.mu.Unlock()
				s.publishError(sessionID, res.Err)
				return
			}
			s.publishTranscript(sessionID, res.Text, res.Confidence, res.Final)
			if res.Final {
				return
			}
		}
	}
}

// evictLoop drops sessions whose recorder went away without a final frame.
func (s *Service) evictLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.idleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *Service) evictIdle() {
	cutoff := s.now().Add(-s.idleAfter)
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.sessions {
		if state.lastSeen.Before(cutoff) {
			state.cancel()
			delete(s.sessions, id)
			s.log.Warn("evicted idle transcription session", slog.String("session_id", id))
		}
	}
}

func (s *Service) publishTranscript(sessionID, text string, confidence float64, final bool) {
	if text == "" && !final {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       text,
		Partial:    !final,
		Timestamp:  s.now().UTC(),
		Confidence: confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

func (s *Service) publishError(sessionID string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	s.log.Warn("transcription failed", slog.String("session_id", sessionID), slogError(err))
	msg := protocol.Transcript{
		SessionID: sessionID,
		Timestamp: s.now().UTC(),
		Error:     err.Error(),
	}
	if errors.Is(err, speech.ErrNoSpeech) {
		msg.Error = speech.ErrNoSpeech.Error()
	}
	if pubErr := s.bus.PublishJSON(protocol.SubjectTranscriptError, msg); pubErr != nil {
		s.log.Warn("failed to publish transcript error", slogError(pubErr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
