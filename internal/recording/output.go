package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/loqa-record/internal/audio"
)

// Delegate is told when a recording has been finalised.
type Delegate interface {
	DidFinishRecording(path string, err error)
}

// FileOutput is a capture output that encodes everything it consumes into
// the current record file.
type FileOutput struct {
	settings Settings
	format   audio.Format
	open     EncoderFactory
	log      *slog.Logger
	queue    int

	mu  sync.Mutex
	rec *activeRecording
}

type activeRecording struct {
	path     string
	enc      Encoder
	frames   chan audio.Buffer
	done     chan struct{}
	delegate Delegate
	err      error
	dropped  atomic.Int64
}

// NewFileOutput returns an output for audio in format.
func NewFileOutput(settings Settings, format audio.Format, open EncoderFactory, log *slog.Logger) *FileOutput {
	return &FileOutput{
		settings: settings,
		format:   format,
		open:     open,
		log:      log,
		queue:    256,
	}
}

// StartRecording begins encoding to path, replacing any existing file. A
// recording already in progress is finished first.
func (o *FileOutput) StartRecording(ctx context.Context, path string, delegate Delegate) error {
	o.StopRecording()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove previous recording: %w", err)
	}
	enc, err := o.open(ctx, path, o.format, o.settings)
	if err != nil {
		return err
	}

	rec := &activeRecording{
		path:     path,
		enc:      enc,
		frames:   make(chan audio.Buffer, o.queue),
		done:     make(chan struct{}),
		delegate: delegate,
	}
	go func() {
		defer close(rec.done)
		for buf := range rec.frames {
			if rec.err != nil {
				continue
			}
			rec.err = rec.enc.Write(buf.Samples)
		}
	}()

	o.mu.Lock()
	o.rec = rec
	o.mu.Unlock()
	o.log.Info("recording started", slog.String("path", path), slog.String("codec", string(o.settings.Codec)))
	return nil
}

// Consume queues buf for encoding. Buffers are dropped when the encoder
// falls behind.
func (o *FileOutput) Consume(buf audio.Buffer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rec == nil {
		return
	}
	select {
	case o.rec.frames <- buf.Clone():
	default:
		o.rec.dropped.Add(1)
	}
}

// StopRecording flushes and closes the file. It is a no-op when idle.
func (o *FileOutput) StopRecording() {
	o.mu.Lock()
	rec := o.rec
	o.rec = nil
	if rec != nil {
		close(rec.frames)
	}
	o.mu.Unlock()
	if rec == nil {
		return
	}

	<-rec.done
	err := rec.err
	if closeErr := rec.enc.Close(); err == nil {
		err = closeErr
	}
	if dropped := rec.dropped.Load(); dropped > 0 {
		o.log.Warn("recording dropped buffers", slog.Int64("dropped", dropped))
	}
	if rec.delegate != nil {
		rec.delegate.DidFinishRecording(rec.path, err)
	}
}

func (o *FileOutput) IsRecording() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rec != nil
}

// Path returns the file being written, or "" when idle.
func (o *FileOutput) Path() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rec == nil {
		return ""
	}
	return o.rec.path
}
