// Package appconfig loads configuration for the host-side tools
// (recvd, pcm2wav, sdprobe, transcribe): defaults, then a YAML file, then
// AUDIOCODE_* environment overrides, then validation. Command-line flags
// are applied by the commands after Load.
package appconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"audiocode-go/internal/logging"
)

type Config struct {
	Logger     logging.Config   `yaml:"logger"`
	Receiver   ReceiverConfig   `yaml:"receiver"`
	Convert    ConvertConfig    `yaml:"convert"`
	Probe      ProbeConfig      `yaml:"probe"`
	Transcribe TranscribeConfig `yaml:"transcribe"`
}

// ReceiverConfig drives cmd/recvd.
type ReceiverConfig struct {
	Addr            string        `yaml:"addr"`
	Dir             string        `yaml:"dir"`
	MaxBytes        int64         `yaml:"max_bytes"`
	RatePerSec      float64       `yaml:"rate_per_sec"` // per client IP; 0 disables
	Burst           int           `yaml:"burst"`
	Convert         bool          `yaml:"convert"` // also write a .wav per upload
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ConvertConfig drives cmd/pcm2wav and the receiver's optional conversion.
type ConvertConfig struct {
	Dir        string `yaml:"dir"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

// ProbeConfig drives cmd/sdprobe.
type ProbeConfig struct {
	Board    string        `yaml:"board"`
	Bus      string        `yaml:"bus"`
	MISO     int           `yaml:"miso"`
	MOSI     int           `yaml:"mosi"`
	CLK      int           `yaml:"clk"`
	CS       int           `yaml:"cs"`
	Path     string        `yaml:"path"`
	FreqHz   uint32        `yaml:"freq_hz"`
	SimImage string        `yaml:"sim_image"` // host simulation: card image file
	Timeout  time.Duration `yaml:"timeout"`
}

// TranscribeConfig drives cmd/transcribe. The API key normally comes from
// GOOGLE_API_KEY rather than the file.
type TranscribeConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	OutDir  string        `yaml:"out_dir"` // empty: next to the recording
	Prompt  string        `yaml:"prompt"`
	Timeout time.Duration `yaml:"timeout"`
}

// Defaults mirrors the wiring and formats used by the recorder firmware.
func Defaults() *Config {
	return &Config{
		Logger: logging.Config{Level: "info", Format: "text", Output: "stderr"},
		Receiver: ReceiverConfig{
			Addr:            ":8000",
			Dir:             "recordings",
			MaxBytes:        16 << 20,
			RatePerSec:      2,
			Burst:           4,
			ShutdownTimeout: 5 * time.Second,
		},
		Convert: ConvertConfig{Dir: "recordings", SampleRate: 16000, Channels: 1},
		Probe: ProbeConfig{
			Board:   "esp32_devkit",
			Bus:     "spi3",
			MISO:    19,
			MOSI:    23,
			CLK:     18,
			CS:      5,
			Path:    "/sdcard",
			FreqHz:  20_000_000,
			Timeout: 3 * time.Second,
		},
		Transcribe: TranscribeConfig{
			BaseURL: "https://generativelanguage.googleapis.com",
			Model:   "gemini-2.0-flash",
			Prompt:  "Transcribe this audio recording. Reply with the transcript only.",
			Timeout: 2 * time.Minute,
		},
	}
}

// Load reads path over Defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	ApplyEnvOverrides(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUDIOCODE_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AUDIOCODE_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AUDIOCODE_RECEIVER_ADDR"); v != "" {
		cfg.Receiver.Addr = v
	}
	if v := os.Getenv("AUDIOCODE_RECEIVER_DIR"); v != "" {
		cfg.Receiver.Dir = v
	}
	if v := os.Getenv("AUDIOCODE_RECEIVER_MAX_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Receiver.MaxBytes = n
		}
	}
	if v := os.Getenv("AUDIOCODE_RECEIVER_CONVERT"); v == "true" {
		cfg.Receiver.Convert = true
	}
	if v := os.Getenv("AUDIOCODE_CONVERT_DIR"); v != "" {
		cfg.Convert.Dir = v
	}
	if v := os.Getenv("AUDIOCODE_CONVERT_SAMPLE_RATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Convert.SampleRate = n
		}
	}
	if v := os.Getenv("AUDIOCODE_PROBE_SIM_IMAGE"); v != "" {
		cfg.Probe.SimImage = v
	}
	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		cfg.Transcribe.APIKey = v
	}
	if v := os.Getenv("AUDIOCODE_TRANSCRIBE_API_KEY"); v != "" {
		cfg.Transcribe.APIKey = v
	}
	if v := os.Getenv("AUDIOCODE_TRANSCRIBE_MODEL"); v != "" {
		cfg.Transcribe.Model = v
	}
}

var (
	ErrInvalidAddr       = errors.New("receiver.addr must not be empty")
	ErrInvalidMaxBytes   = errors.New("receiver.max_bytes must be positive")
	ErrInvalidSampleRate = errors.New("convert.sample_rate must be within 1000..48000")
	ErrInvalidChannels   = errors.New("convert.channels must be 1 or 2")
	ErrInvalidPath       = errors.New("probe.path must be absolute")
	ErrMissingAPIKey     = errors.New("transcribe.api_key is empty; set GOOGLE_API_KEY")
	ErrInvalidModel      = errors.New("transcribe.model must not be empty")
)

func Validate(cfg *Config) error {
	var errs []error
	if cfg.Receiver.Addr == "" {
		errs = append(errs, ErrInvalidAddr)
	}
	if cfg.Receiver.MaxBytes <= 0 {
		errs = append(errs, ErrInvalidMaxBytes)
	}
	if cfg.Convert.SampleRate < 1000 || cfg.Convert.SampleRate > 48000 {
		errs = append(errs, ErrInvalidSampleRate)
	}
	if cfg.Convert.Channels != 1 && cfg.Convert.Channels != 2 {
		errs = append(errs, ErrInvalidChannels)
	}
	if len(cfg.Probe.Path) == 0 || cfg.Probe.Path[0] != '/' {
		errs = append(errs, ErrInvalidPath)
	}
	return errors.Join(errs...)
}

// ValidateTranscribe checks what only cmd/transcribe needs.
func ValidateTranscribe(c TranscribeConfig) error {
	var errs []error
	if c.APIKey == "" {
		errs = append(errs, ErrMissingAPIKey)
	}
	if c.Model == "" {
		errs = append(errs, ErrInvalidModel)
	}
	return errors.Join(errs...)
}
