package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-record/internal/audio"
	"github.com/loqalabs/loqa-record/internal/config"
	"github.com/mattn/go-shellwords"
)

// Encoder receives interleaved samples in the input format and produces the
// file.
type Encoder interface {
	Write(samples []int16) error
	Close() error
}

// EncoderFactory opens an encoder writing to path.
type EncoderFactory func(ctx context.Context, path string, in audio.Format, s Settings) (Encoder, error)

// NewEncoderFactory returns the encoder for the configured codec.
func NewEncoderFactory(cfg config.RecordingConfig) (EncoderFactory, error) {
	switch Codec(cfg.Codec) {
	case CodecWAV:
		return OpenWAV, nil
	case CodecAAC, "":
		args, err := shellwords.NewParser().Parse(cfg.FFmpegPath)
		if err != nil {
			return nil, fmt.Errorf("parse ffmpeg path: %w", err)
		}
		if len(args) == 0 {
			return nil, errors.New("ffmpeg path is empty")
		}
		return func(ctx context.Context, path string, in audio.Format, s Settings) (Encoder, error) {
			return OpenFFmpeg(ctx, args, path, in, s)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", cfg.Codec)
	}
}

type wavEncoder struct {
	file   *os.File
	enc    *wav.Encoder
	format *goaudio.Format
}

// OpenWAV writes 16-bit PCM WAV at the input format. Sample rate and channel
// settings are not applied; the container records what was captured.
func OpenWAV(_ context.Context, path string, in audio.Format, _ Settings) (Encoder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wav file: %w", err)
	}
	return &wavEncoder{
		file:   file,
		enc:    wav.NewEncoder(file, in.SampleRate, 16, in.Channels, 1),
		format: &goaudio.Format{NumChannels: in.Channels, SampleRate: in.SampleRate},
	}, nil
}

func (w *wavEncoder) Write(samples []int16) error {
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	if err := w.enc.Write(&goaudio.IntBuffer{Format: w.format, Data: data, SourceBitDepth: 16}); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

func (w *wavEncoder) Close() error {
	encErr := w.enc.Close()
	fileErr := w.file.Close()
	if encErr != nil {
		return fmt.Errorf("close wav encoder: %w", encErr)
	}
	return fileErr
}

type ffmpegEncoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *strings.Builder
}

// OpenFFmpeg pipes raw s16le into the host ffmpeg, which encodes AAC into an
// MPEG-4 audio container at path.
func OpenFFmpeg(ctx context.Context, command []string, path string, in audio.Format, s Settings) (Encoder, error) {
	args := append([]string{}, command[1:]...)
	args = append(args, ffmpegArgs(path, in, s)...)

	cmd := exec.CommandContext(ctx, command[0], args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stderr := &strings.Builder{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	return &ffmpegEncoder{cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

func ffmpegArgs(path string, in audio.Format, s Settings) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "s16le",
		"-ar", strconv.Itoa(in.SampleRate),
		"-ac", strconv.Itoa(in.Channels),
		"-i", "pipe:0",
		"-c:a", "aac",
		"-aac_coder", aacCoder(s.Quality),
		"-b:a", strconv.Itoa(s.BitRate),
		"-ar", strconv.Itoa(s.SampleRate),
		"-ac", strconv.Itoa(s.Channels),
		path,
	}
}

// aacCoder maps the quality key onto the encoder search strategy of the
// native ffmpeg AAC encoder.
func aacCoder(quality string) string {
	switch quality {
	case "min", "low":
		return "fast"
	default:
		return "twoloop"
	}
}

func (f *ffmpegEncoder) Write(samples []int16) error {
	if _, err := f.stdin.Write(audio.Int16ToBytes(samples)); err != nil {
		return fmt.Errorf("write to ffmpeg: %w", err)
	}
	return nil
}

func (f *ffmpegEncoder) Close() error {
	_ = f.stdin.Close()
	if err := f.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(f.stderr.String()))
	}
	return nil
}
