package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel     string `yaml:"log_level"`
	Traces       string `yaml:"traces"` // auto, stdout, none
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Level parses LogLevel, falling back to info.
func (t TelemetryConfig) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(t.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string            `yaml:"runtime_name"`
	Environment string            `yaml:"environment"`
	HTTP        HTTPConfig        `yaml:"http"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Bus         BusConfig         `yaml:"bus"`
	Capture     CaptureConfig     `yaml:"capture"`
	Recording   RecordingConfig   `yaml:"recording"`
	Speech      SpeechConfig      `yaml:"speech"`
	Transcriber TranscriberConfig `yaml:"transcriber"`
	EventStore  EventStoreConfig  `yaml:"event_store"`
}

// BusConfig controls the optional NATS connection. Port -1 asks the embedded
// server for a random free port.
type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CaptureConfig struct {
	Backend         string  `yaml:"backend"` // malgo, tone, wav, silence
	SampleRate      int     `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	FramesPerBuffer int     `yaml:"frames_per_buffer"`
	TapBufferSize   int     `yaml:"tap_buffer_size"`
	WAVPath         string  `yaml:"wav_path"`
	ToneHz          float64 `yaml:"tone_hz"`
	Loop            bool    `yaml:"loop"`
}

type RecordingConfig struct {
	CacheDir   string `yaml:"cache_dir"`
	AppName    string `yaml:"app_name"`
	Folder     string `yaml:"folder"`
	FileName   string `yaml:"file_name"`
	Codec      string `yaml:"codec"` // aac, wav
	BitRate    int    `yaml:"bit_rate"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Quality    string `yaml:"quality"` // min, low, medium, high, max
	FFmpegPath string `yaml:"ffmpeg_path"`
}

type SpeechConfig struct {
	Mode           string `yaml:"mode"` // mock, exec, openai, bus
	Locale         string `yaml:"locale"`
	PartialResults bool   `yaml:"partial_results"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	FinalTimeoutMS int    `yaml:"final_timeout_ms"`
	SampleRate     int    `yaml:"sample_rate"`
	QueueSize      int    `yaml:"queue_size"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	OpenAIAPIKey   string `yaml:"openai_api_key"`
	OpenAIModel    string `yaml:"openai_model"`
	OpenAIBaseURL  string `yaml:"openai_base_url"`
}

// TranscriberConfig enables the bus worker that serves recognition for
// recorders running with speech.mode=bus. Engine reuses the speech backends.
type TranscriberConfig struct {
	Enabled bool   `yaml:"enabled"`
	Engine  string `yaml:"engine"` // mock, exec, openai
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-record",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			Traces:       "auto",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Host:           "127.0.0.1",
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Backend:         "malgo",
			SampleRate:      44100,
			Channels:        1,
			FramesPerBuffer: 512,
			TapBufferSize:   1024,
			ToneHz:          440,
			Loop:            true,
		},
		Recording: RecordingConfig{
			AppName:    "MACOSAPP",
			Folder:     "Record",
			FileName:   "RecordDemo",
			Codec:      "aac",
			BitRate:    192000,
			SampleRate: 44100,
			Channels:   1,
			Quality:    "medium",
			FFmpegPath: "ffmpeg",
		},
		Speech: SpeechConfig{
			Mode:           "mock",
			Locale:         "en-US",
			PartialResults: true,
			PartialEveryMS: 800,
			FinalTimeoutMS: 45000,
			SampleRate:     16000,
			QueueSize:      256,
			OpenAIModel:    "whisper-1",
		},
		Transcriber: TranscriberConfig{
			Enabled: false,
			Engine:  "mock",
		},
		EventStore: EventStoreConfig{
			Path:          "./data/record-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "RECORD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "RECORD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "RECORD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "RECORD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "RECORD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.Traces, "RECORD_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "RECORD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "RECORD_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Enabled, "RECORD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "RECORD_BUS_EMBEDDED")
	overrideString(&cfg.Bus.Host, "RECORD_BUS_HOST")
	overrideInt(&cfg.Bus.Port, "RECORD_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "RECORD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "RECORD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "RECORD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "RECORD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "RECORD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "RECORD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Backend, "RECORD_CAPTURE_BACKEND")
	overrideInt(&cfg.Capture.SampleRate, "RECORD_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "RECORD_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FramesPerBuffer, "RECORD_CAPTURE_FRAMES_PER_BUFFER")
	overrideInt(&cfg.Capture.TapBufferSize, "RECORD_CAPTURE_TAP_BUFFER_SIZE")
	overrideString(&cfg.Capture.WAVPath, "RECORD_CAPTURE_WAV_PATH")
	overrideFloat(&cfg.Capture.ToneHz, "RECORD_CAPTURE_TONE_HZ")
	overrideBool(&cfg.Capture.Loop, "RECORD_CAPTURE_LOOP")
	overrideString(&cfg.Recording.CacheDir, "RECORD_RECORDING_CACHE_DIR")
	overrideString(&cfg.Recording.AppName, "RECORD_RECORDING_APP_NAME")
	overrideString(&cfg.Recording.Folder, "RECORD_RECORDING_FOLDER")
	overrideString(&cfg.Recording.FileName, "RECORD_RECORDING_FILE_NAME")
	overrideString(&cfg.Recording.Codec, "RECORD_RECORDING_CODEC")
	overrideInt(&cfg.Recording.BitRate, "RECORD_RECORDING_BIT_RATE")
	overrideInt(&cfg.Recording.SampleRate, "RECORD_RECORDING_SAMPLE_RATE")
	overrideInt(&cfg.Recording.Channels, "RECORD_RECORDING_CHANNELS")
	overrideString(&cfg.Recording.Quality, "RECORD_RECORDING_QUALITY")
	overrideString(&cfg.Recording.FFmpegPath, "RECORD_RECORDING_FFMPEG_PATH")
	overrideString(&cfg.Speech.Mode, "RECORD_SPEECH_MODE")
	overrideString(&cfg.Speech.Locale, "RECORD_SPEECH_LOCALE")
	overrideBool(&cfg.Speech.PartialResults, "RECORD_SPEECH_PARTIAL_RESULTS")
	overrideInt(&cfg.Speech.PartialEveryMS, "RECORD_SPEECH_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Speech.FinalTimeoutMS, "RECORD_SPEECH_FINAL_TIMEOUT_MS")
	overrideInt(&cfg.Speech.SampleRate, "RECORD_SPEECH_SAMPLE_RATE")
	overrideInt(&cfg.Speech.QueueSize, "RECORD_SPEECH_QUEUE_SIZE")
	overrideString(&cfg.Speech.Command, "RECORD_SPEECH_COMMAND")
	overrideString(&cfg.Speech.ModelPath, "RECORD_SPEECH_MODEL_PATH")
	overrideString(&cfg.Speech.Language, "RECORD_SPEECH_LANGUAGE")
	overrideString(&cfg.Speech.OpenAIAPIKey, "RECORD_SPEECH_OPENAI_API_KEY")
	overrideString(&cfg.Speech.OpenAIModel, "RECORD_SPEECH_OPENAI_MODEL")
	overrideString(&cfg.Speech.OpenAIBaseURL, "RECORD_SPEECH_OPENAI_BASE_URL")
	overrideBool(&cfg.Transcriber.Enabled, "RECORD_TRANSCRIBER_ENABLED")
	overrideString(&cfg.Transcriber.Engine, "RECORD_TRANSCRIBER_ENGINE")
	overrideString(&cfg.EventStore.Path, "RECORD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "RECORD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "RECORD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "RECORD_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "RECORD_EVENT_STORE_VACUUM_ON_START")

	// The OpenAI SDK convention is honoured when no key was configured.
	if cfg.Speech.OpenAIAPIKey == "" {
		overrideString(&cfg.Speech.OpenAIAPIKey, "OPENAI_API_KEY")
	}
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.Traces {
	case "", "auto", "stdout", "none":
	default:
		return errors.New("telemetry.traces must be one of auto|stdout|none")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port != -1 && (cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535) {
				return errors.New("bus.port must be between 1 and 65535 (or -1) when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}

	switch cfg.Capture.Backend {
	case "malgo", "tone", "silence":
	case "wav":
		if cfg.Capture.WAVPath == "" {
			return errors.New("capture.wav_path must be set when backend=wav")
		}
	default:
		return errors.New("capture.backend must be one of malgo|tone|wav|silence")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FramesPerBuffer <= 0 || cfg.Capture.TapBufferSize <= 0 {
		return errors.New("capture.frames_per_buffer and capture.tap_buffer_size must be positive")
	}

	if cfg.Recording.AppName == "" || cfg.Recording.Folder == "" || cfg.Recording.FileName == "" {
		return errors.New("recording.app_name, recording.folder and recording.file_name must not be empty")
	}
	switch cfg.Recording.Codec {
	case "aac":
		if cfg.Recording.FFmpegPath == "" {
			return errors.New("recording.ffmpeg_path must be set when codec=aac")
		}
		if cfg.Recording.BitRate <= 0 {
			return errors.New("recording.bit_rate must be positive")
		}
	case "wav":
	default:
		return errors.New("recording.codec must be one of aac|wav")
	}
	if cfg.Recording.SampleRate <= 0 || cfg.Recording.Channels <= 0 {
		return errors.New("recording.sample_rate and recording.channels must be positive")
	}
	switch cfg.Recording.Quality {
	case "min", "low", "medium", "high", "max":
	default:
		return errors.New("recording.quality must be one of min|low|medium|high|max")
	}

	if err := validateEngine("speech.mode", cfg.Speech.Mode, cfg.Speech, true); err != nil {
		return err
	}
	if cfg.Speech.Mode == "bus" && !cfg.Bus.Enabled {
		return errors.New("bus.enabled must be true when speech.mode=bus")
	}
	if cfg.Speech.Locale == "" {
		return errors.New("speech.locale must not be empty")
	}
	if cfg.Speech.PartialEveryMS < 0 {
		return errors.New("speech.partial_every_ms must be >= 0")
	}
	if cfg.Speech.FinalTimeoutMS <= 0 {
		return errors.New("speech.final_timeout_ms must be positive")
	}
	if cfg.Speech.SampleRate < 0 {
		return errors.New("speech.sample_rate must be >= 0")
	}
	if cfg.Speech.QueueSize <= 0 {
		return errors.New("speech.queue_size must be positive")
	}

	if cfg.Transcriber.Enabled {
		if !cfg.Bus.Enabled {
			return errors.New("bus.enabled must be true when transcriber is enabled")
		}
		if err := validateEngine("transcriber.engine", cfg.Transcriber.Engine, cfg.Speech, false); err != nil {
			return err
		}
	}

	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}

func validateEngine(field, mode string, speech SpeechConfig, allowBus bool) error {
	switch mode {
	case "mock":
	case "exec":
		if speech.Command == "" {
			return fmt.Errorf("speech.command must be set when %s=exec", field)
		}
	case "openai":
		if speech.OpenAIAPIKey == "" {
			return fmt.Errorf("speech.openai_api_key must be set when %s=openai", field)
		}
	case "bus":
		if !allowBus {
			return fmt.Errorf("%s must be one of mock|exec|openai", field)
		}
	default:
		if allowBus {
			return fmt.Errorf("%s must be one of mock|exec|openai|bus", field)
		}
		return fmt.Errorf("%s must be one of mock|exec|openai", field)
	}
	return nil
}
