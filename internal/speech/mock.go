package speech

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-record/internal/audio"
)

type mockTranscriber struct{}

func NewMockTranscriber() Transcriber {
	return &mockTranscriber{}
}

func (m *mockTranscriber) Transcribe(_ context.Context, pcm []byte, format audio.Format, final bool) (Result, error) {
	mode := "partial"
	if final {
		mode = "final"
	}
	frames := 0
	if format.Channels > 0 {
		frames = len(pcm) / format.BytesPerFrame()
	}
	return Result{
		Text: fmt.Sprintf("[%s transcript %s]", mode, format.Duration(frames)),
	}, nil
}
