// Package recording writes captured audio to the fixed demo file.
package recording

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-record/internal/config"
)

type Codec string

const (
	CodecAAC Codec = "aac"
	CodecWAV Codec = "wav"
)

// Settings describes the encoded file.
type Settings struct {
	Codec      Codec
	BitRate    int
	SampleRate int
	Channels   int
	Quality    string
}

// DefaultSettings returns AAC at 192 kbps, 44.1 kHz mono, medium quality.
func DefaultSettings() Settings {
	return Settings{
		Codec:      CodecAAC,
		BitRate:    192000,
		SampleRate: 44100,
		Channels:   1,
		Quality:    "medium",
	}
}

func SettingsFromConfig(cfg config.RecordingConfig) Settings {
	s := DefaultSettings()
	if cfg.Codec != "" {
		s.Codec = Codec(cfg.Codec)
	}
	if cfg.BitRate > 0 {
		s.BitRate = cfg.BitRate
	}
	if cfg.SampleRate > 0 {
		s.SampleRate = cfg.SampleRate
	}
	if cfg.Channels > 0 {
		s.Channels = cfg.Channels
	}
	if cfg.Quality != "" {
		s.Quality = cfg.Quality
	}
	return s
}

// Extension returns the file extension for the codec, without the dot.
func (s Settings) Extension() string {
	if s.Codec == CodecWAV {
		return "wav"
	}
	return "m4a"
}

// Locator resolves <cache>/<app>/<folder>/<name>.<ext>.
type Locator struct {
	root   string
	app    string
	folder string
	name   string
	ext    string
}

// NewLocator builds a locator from cfg. An empty cache_dir resolves to the
// user cache directory.
func NewLocator(cfg config.RecordingConfig, settings Settings) (*Locator, error) {
	root := cfg.CacheDir
	if root == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolve cache directory: %w", err)
		}
		root = dir
	}
	if cfg.AppName == "" || cfg.Folder == "" || cfg.FileName == "" {
		return nil, errors.New("recording location is incomplete")
	}
	return &Locator{
		root:   root,
		app:    cfg.AppName,
		folder: cfg.Folder,
		name:   cfg.FileName,
		ext:    settings.Extension(),
	}, nil
}

// FolderPath returns the recording folder, creating it when missing.
func (l *Locator) FolderPath() (string, error) {
	dir := filepath.Join(l.root, l.app, l.folder)
	info, err := os.Stat(dir)
	if err == nil && info.IsDir() {
		return dir, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("stat recording folder: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create recording folder: %w", err)
	}
	return dir, nil
}

// FilePath returns the record file path. The same path is returned on every
// call so each recording overwrites the previous one.
func (l *Locator) FilePath() (string, error) {
	dir, err := l.FolderPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, l.name+"."+l.ext), nil
}
