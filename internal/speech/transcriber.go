package speech

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/config"
)

// Result captures transcriber output.
type Result struct {
	Text       string
	Confidence float64
}

// Transcriber converts a complete PCM utterance into text. Partial calls are
// made with the audio collected so far.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, format audio.Format, final bool) (Result, error)
}

// NewTranscriber builds the engine named by mode using the speech settings.
func NewTranscriber(mode string, cfg config.SpeechConfig) (Transcriber, error) {
	switch mode {
	case "mock", "":
		return NewMockTranscriber(), nil
	case "exec":
		return NewExecTranscriber(cfg)
	case "openai":
		return NewOpenAITranscriber(cfg)
	default:
		return nil, fmt.Errorf("unknown transcriber %q", mode)
	}
}
