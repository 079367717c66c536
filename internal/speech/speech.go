// Package speech turns a stream of audio buffers into incremental
// transcriptions. A Recognizer starts one Task per Request and reports
// progress to a TaskDelegate.
package speech

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/permission"
)

var (
	// ErrNoSpeech is reported when a request ends without any audio.
	ErrNoSpeech = errors.New("no speech detected")
	// ErrTimeout is reported when the final transcription does not arrive in time.
	ErrTimeout = errors.New("recognition timed out")
)

// Transcription is the best text for the audio heard so far.
type Transcription struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Final      bool    `json:"final"`
}

// Recognizer starts recognition tasks for one locale.
type Recognizer interface {
	Locale() string
	Authorize(ctx context.Context) permission.Status
	// OnAvailabilityChange registers fn to be called when the recognizer
	// becomes available or unavailable.
	OnAvailabilityChange(fn func(available bool))
	RecognitionTask(ctx context.Context, req *Request, delegate TaskDelegate) (*Task, error)
}

// TaskDelegate receives task progress. Calls for one task never overlap.
type TaskDelegate interface {
	DidDetectSpeech(t *Task)
	// DidRecord is called for every buffer the task consumes.
	DidRecord(t *Task, buf audio.Buffer)
	DidHypothesize(t *Task, tr Transcription)
	// DidFinishRecognition delivers the final transcription. When the task
	// failed, t.Err() is set and tr is empty.
	DidFinishRecognition(t *Task, tr Transcription)
	FinishedReadingAudio(t *Task)
	WasCancelled(t *Task)
	DidFinish(t *Task, successfully bool)
}

// speechLevel is the RMS level above which a buffer counts as speech.
const speechLevel = 0.02
