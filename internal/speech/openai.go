package speech

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/config"
	"github.com/loqalabs/loqa-record/internal/permission"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// openaiTranscriber sends each utterance to the audio transcriptions API.
type openaiTranscriber struct {
	client   openai.Client
	model    string
	language string
}

func NewOpenAITranscriber(cfg config.SpeechConfig) (Transcriber, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, errors.New("openai api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.OpenAIAPIKey)}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.OpenAIBaseURL))
	}
	model := cfg.OpenAIModel
	if model == "" {
		model = "whisper-1"
	}
	return &openaiTranscriber{
		client:   openai.NewClient(opts...),
		model:    model,
		language: apiLanguage(cfg.Language, cfg.Locale),
	}, nil
}

// Authorize always succeeds: the key was checked at construction and is only
// validated remotely on first use.
func (o *openaiTranscriber) Authorize(context.Context) permission.Status {
	return permission.Authorized
}

func (o *openaiTranscriber) Transcribe(ctx context.Context, pcm []byte, format audio.Format, _ bool) (Result, error) {
	file, err := os.CreateTemp("", "record_openai_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWAV(file, pcm, format); err != nil {
		return Result{}, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return Result{}, fmt.Errorf("rewind wav: %w", err)
	}

	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(file, "audio.wav", "audio/wav"),
		Model: openai.AudioModel(o.model),
	}
	if o.language != "" {
		params.Language = openai.String(o.language)
	}
	resp, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return Result{}, fmt.Errorf("openai transcription: %w", err)
	}
	return Result{Text: strings.TrimSpace(resp.Text)}, nil
}

// apiLanguage reduces a locale such as en-US to the ISO-639-1 code the API
// expects. An explicit language wins.
func apiLanguage(language, locale string) string {
	if language != "" && language != "auto" {
		return language
	}
	if language == "auto" {
		return ""
	}
	code, _, _ := strings.Cut(locale, "-")
	code, _, _ = strings.Cut(code, "_")
	return strings.ToLower(code)
}
