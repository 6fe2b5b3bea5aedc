// Package config holds the daemon configuration: defaults, YAML loading
// and validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dj-oyu/mjpeg-stream/internal/logger"
	"github.com/dj-oyu/mjpeg-stream/internal/yuv"
)

// ConfigError reports an invalid or missing setting. It is never retried.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Config is the full daemon configuration.
type Config struct {
	Source SourceConfig `yaml:"source"`
	Encode EncodeConfig `yaml:"encode"`
	Record RecordConfig `yaml:"record"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// SourceConfig describes the MJPEG source and how frames are decoded.
type SourceConfig struct {
	URL string `yaml:"url"`
	// Width and Height resize every decoded frame. Zero keeps the
	// native size.
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	// HeaderLength and FrameRate size the default marker scan window.
	HeaderLength     int  `yaml:"header_length"`
	MaxFrameSize     int  `yaml:"max_frame_size"`
	ReconnectDelayMs int  `yaml:"reconnect_delay_ms"`
	ReuseBuffers     bool `yaml:"reuse_buffers"`
}

// ReconnectDelay returns the fixed retry delay.
func (s SourceConfig) ReconnectDelay() time.Duration {
	return time.Duration(s.ReconnectDelayMs) * time.Millisecond
}

// EncodeConfig configures the H.264 encoder.
type EncodeConfig struct {
	Width     int `yaml:"width"`
	Height    int `yaml:"height"`
	FrameRate int `yaml:"frame_rate"`
	BitRate   int `yaml:"bit_rate"`
	// KeyFrameInterval is in seconds.
	KeyFrameInterval int    `yaml:"key_frame_interval"`
	Layout           string `yaml:"layout"`
	FFmpegPath       string `yaml:"ffmpeg_path"`
}

// RecordConfig enables recording to a file.
type RecordConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// ServerConfig holds the operator-facing listeners.
type ServerConfig struct {
	HTTPAddr         string   `yaml:"http_addr"`
	MetricsAddr      string   `yaml:"metrics_addr"`
	STUNServers      []string `yaml:"stun_servers"`
	MaxWebRTCClients int      `yaml:"max_webrtc_clients"`
}

// LogConfig configures the logger.
type LogConfig struct {
	Level string `yaml:"level"`
	Color bool   `yaml:"color"`
	Debug bool   `yaml:"debug"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Source: SourceConfig{
			Width:            640,
			Height:           480,
			HeaderLength:     100,
			ReconnectDelayMs: 3000,
		},
		Encode: EncodeConfig{
			Width:            640,
			Height:           480,
			FrameRate:        25,
			BitRate:          1_000_000,
			KeyFrameInterval: 1,
			Layout:           "i420",
			FFmpegPath:       "ffmpeg",
		},
		Server: ServerConfig{
			HTTPAddr:         ":8081",
			MetricsAddr:      ":9090",
			STUNServers:      []string{"stun:stun.l.google.com:19302"},
			MaxWebRTCClients: 10,
		},
		Log: LogConfig{
			Level: "info",
			Color: true,
		},
	}
}

// Load decodes the YAML file at path over DefaultConfig. The result is
// not validated; callers apply overrides and then call Validate.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over DefaultConfig. Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks every setting and returns the first problem as a
// *ConfigError.
func (c *Config) Validate() error {
	switch {
	case c.Source.URL == "":
		return &ConfigError{Field: "source.url", Reason: "required"}
	case c.Source.Width < 0 || c.Source.Height < 0:
		return &ConfigError{Field: "source.width/height", Reason: "must not be negative"}
	case (c.Source.Width == 0) != (c.Source.Height == 0):
		return &ConfigError{Field: "source.width/height", Reason: "set both or neither"}
	case c.Source.HeaderLength < 0:
		return &ConfigError{Field: "source.header_length", Reason: "must not be negative"}
	case c.Source.MaxFrameSize < 0:
		return &ConfigError{Field: "source.max_frame_size", Reason: "must not be negative"}
	case c.Source.ReconnectDelayMs <= 0:
		return &ConfigError{Field: "source.reconnect_delay_ms", Reason: "must be positive"}
	case c.Encode.Width <= 0 || c.Encode.Height <= 0:
		return &ConfigError{Field: "encode.width/height", Reason: "must be positive"}
	case c.Encode.Width%2 != 0 || c.Encode.Height%2 != 0:
		return &ConfigError{Field: "encode.width/height", Reason: fmt.Sprintf("%dx%d is not even", c.Encode.Width, c.Encode.Height)}
	case c.Encode.FrameRate <= 0:
		return &ConfigError{Field: "encode.frame_rate", Reason: "must be positive"}
	case c.Encode.BitRate <= 0:
		return &ConfigError{Field: "encode.bit_rate", Reason: "must be positive"}
	case c.Encode.KeyFrameInterval < 0:
		return &ConfigError{Field: "encode.key_frame_interval", Reason: "must not be negative"}
	case c.Record.Enabled && c.Record.Path == "":
		return &ConfigError{Field: "record.path", Reason: "required when recording is enabled"}
	case c.Server.MaxWebRTCClients < 0:
		return &ConfigError{Field: "server.max_webrtc_clients", Reason: "must not be negative"}
	}

	if _, err := yuv.ParseLayout(c.Encode.Layout); err != nil {
		return &ConfigError{Field: "encode.layout", Reason: err.Error()}
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return &ConfigError{Field: "log.level", Reason: err.Error()}
	}
	return nil
}

// LogLevel resolves the configured level; Debug forces DEBUG.
func (c *Config) LogLevel() logger.LogLevel {
	if c.Log.Debug {
		return logger.DEBUG
	}
	level, err := logger.ParseLevel(c.Log.Level)
	if err != nil {
		return logger.INFO
	}
	return level
}
