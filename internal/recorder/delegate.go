package recorder

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/eventstore"
	"github.com/loqalabs/loqa-record/internal/speech"
)

// active returns the session of t when t is the task whose callbacks count.
func (s *Service) active(t *speech.Task) (string, bool) {
	cur := s.current.Load()
	if cur == nil || cur.task != t {
		return "", false
	}
	return cur.sessionID, true
}

func (s *Service) DidDetectSpeech(t *speech.Task) {
	if _, ok := s.active(t); ok {
		s.log.Debug("speech detected", slog.String("task", t.ID()))
	}
}

func (s *Service) DidRecord(t *speech.Task, buf audio.Buffer) {
	if _, ok := s.active(t); ok {
		s.log.Debug("speech request consumed audio", slog.String("task", t.ID()), slog.Int("frames", buf.Frames()))
	}
}

// DidHypothesize shows the latest best transcription while recording.
func (s *Service) DidHypothesize(t *speech.Task, tr speech.Transcription) {
	sessionID, ok := s.active(t)
	if !ok {
		return
	}
	s.showTranscript(tr.Text)
	s.appendEvent(sessionID, eventstore.KindTranscriptPart, []byte(tr.Text))
	s.countTranscript(false)
}

// DidFinishRecognition records the final transcription, or stops the
// session when recognition failed.
func (s *Service) DidFinishRecognition(t *speech.Task, tr speech.Transcription) {
	sessionID, ok := s.active(t)
	if !ok {
		return
	}
	if err := t.Err(); err != nil {
		s.log.Warn("speech recognition failed", slog.String("task", t.ID()), slog.String("error", err.Error()))
		s.appendEvent(sessionID, eventstore.KindRecognitionError, []byte(err.Error()))
		s.countFailure()
		s.state.update(func(snap *Snapshot) {
			// A request stopped before any audio reached it is not a failure
			// worth showing once the recorder is idle.
			if snap.State == StateIdle && errors.Is(err, speech.ErrNoSpeech) {
				return
			}
			snap.Error = err.Error()
		})
		s.stop(t)
		return
	}
	s.showTranscript(tr.Text)
	s.appendEvent(sessionID, eventstore.KindTranscriptFinal, []byte(tr.Text))
	s.countTranscript(true)
}

func (s *Service) FinishedReadingAudio(t *speech.Task) {
	if _, ok := s.active(t); ok {
		s.log.Debug("speech request finished reading audio", slog.String("task", t.ID()))
	}
}

func (s *Service) WasCancelled(t *speech.Task) {
	if _, ok := s.active(t); ok {
		s.log.Debug("speech recognition cancelled", slog.String("task", t.ID()))
	}
}

// DidFinish stops the pipeline whenever the active task terminates.
func (s *Service) DidFinish(t *speech.Task, successfully bool) {
	if _, ok := s.active(t); !ok {
		return
	}
	s.log.Info("speech recognition finished", slog.String("task", t.ID()), slog.Bool("successfully", successfully))
	s.stop(t)
}

// DidFinishRecording is called by the file output once the record file is
// closed.
func (s *Service) DidFinishRecording(path string, err error) {
	if err != nil {
		s.log.Error("recording failed", slog.String("path", path), slog.String("error", err.Error()))
	} else {
		s.log.Info("recording finished", slog.String("path", path))
	}
	if cur := s.current.Load(); cur != nil {
		payload := path
		if err != nil {
			payload = path + ": " + err.Error()
		}
		s.appendEvent(cur.sessionID, eventstore.KindFileFinished, []byte(payload))
	}
}

// showTranscript keeps the latest text and shows it unless the recorder has
// already gone back to idle.
func (s *Service) showTranscript(text string) {
	s.state.update(func(snap *Snapshot) {
		snap.LastTranscript = text
		if snap.State != StateIdle && text != "" {
			snap.Status = text
		}
	})
}
