package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/config"
	"github.com/loqalabs/loqa-record/internal/permission"
	"github.com/mattn/go-shellwords"
)

// execTranscriber runs an external command per utterance. The command gets
// --audio <wav> (plus --model, --language and --partial when relevant) and
// must print {"text": ..., "confidence": ...} on stdout.
type execTranscriber struct {
	cmd []string
	cfg config.SpeechConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecTranscriber(cfg config.SpeechConfig) (Transcriber, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse speech command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("speech command is empty")
	}
	return &execTranscriber{cmd: args, cfg: cfg}, nil
}

// Authorize reports Restricted when the command cannot be found.
func (r *execTranscriber) Authorize(context.Context) permission.Status {
	if _, err := exec.LookPath(r.cmd[0]); err != nil {
		return permission.Restricted
	}
	return permission.Authorized
}

func (r *execTranscriber) Transcribe(ctx context.Context, pcm []byte, format audio.Format, final bool) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "record_speech_*.wav")
	if err != nil {
		return Result{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWAV(file, pcm, format); err != nil {
		return Result{}, err
	}

	args := append([]string{}, r.cmd[1:]...)
	args = append(args, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		args = append(args, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}
	if !final {
		args = append(args, "--partial")
	}

	command := exec.CommandContext(ctx, r.cmd[0], args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return Result{}, fmt.Errorf("speech command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Result{}, fmt.Errorf("decode speech response: %w", err)
	}
	return Result{Text: resp.Text, Confidence: resp.Confidence}, nil
}

// writeWAV encodes s16le pcm as a 16-bit WAV stream.
func writeWAV(w io.WriteSeeker, pcm []byte, format audio.Format) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned")
	}
	samples := audio.BytesToInt16(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, format.SampleRate, 16, format.Channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
