package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dj-oyu/mjpeg-stream/internal/logger"
)

func validConfig() Config {
	cfg := DefaultConfig()
	cfg.Source.URL = "http://camera.local/video"
	return cfg
}

func TestDefaultsNeedOnlySource(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.Source.ReconnectDelay(); got != 3*time.Second {
		t.Errorf("ReconnectDelay = %v, want 3s", got)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no source", func(c *Config) { c.Source.URL = "" }, "source.url"},
		{"half size", func(c *Config) { c.Source.Height = 0 }, "source.width/height"},
		{"negative delay", func(c *Config) { c.Source.ReconnectDelayMs = -1 }, "source.reconnect_delay_ms"},
		{"zero delay", func(c *Config) { c.Source.ReconnectDelayMs = 0 }, "source.reconnect_delay_ms"},
		{"odd encode", func(c *Config) { c.Encode.Width = 641 }, "encode.width/height"},
		{"zero fps", func(c *Config) { c.Encode.FrameRate = 0 }, "encode.frame_rate"},
		{"zero bitrate", func(c *Config) { c.Encode.BitRate = 0 }, "encode.bit_rate"},
		{"record without path", func(c *Config) { c.Record.Enabled = true }, "record.path"},
		{"bad layout", func(c *Config) { c.Encode.Layout = "yuyv" }, "encode.layout"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Fatalf("Validate = %v, want *ConfigError", err)
			}
			if ce.Field != tt.field {
				t.Errorf("Field = %q, want %q", ce.Field, tt.field)
			}
		})
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mjpegd.yaml")
	data := []byte(`
source:
  url: http://10.0.0.2:8080/stream
  reconnect_delay_ms: 500
encode:
  frame_rate: 15
  layout: nv12
record:
  enabled: true
  path: /tmp/out.mp4
log:
  debug: true
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Source.ReconnectDelayMs != 500 || cfg.Encode.FrameRate != 15 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Encode.BitRate != 1_000_000 || cfg.Source.Width != 640 {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if cfg.LogLevel() != logger.DEBUG {
		t.Errorf("LogLevel = %v, want DEBUG", cfg.LogLevel())
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	if _, err := Parse([]byte("source:\n  uri: http://x\n")); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Encode.FrameRate != 25 {
		t.Errorf("FrameRate = %d, want default 25", cfg.Encode.FrameRate)
	}
}
