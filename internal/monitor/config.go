package monitor

import "time"

// Config defines the runtime configuration for the monitor server.
type Config struct {
	TargetFPS int
	// RecordPath is used when a start request names no path.
	RecordPath string
	// StatusInterval paces /api/status/stream.
	StatusInterval time.Duration
	// KeepAlive is how long a viewer waits before a placeholder frame.
	KeepAlive time.Duration
	// StopTimeout bounds how long a stop request waits for the file.
	StopTimeout time.Duration
	// BlankWidth and BlankHeight size the placeholder frame.
	BlankWidth  int
	BlankHeight int
}

// DefaultConfig returns the defaults used by NewServer for zero fields.
func DefaultConfig() Config {
	return Config{
		TargetFPS:      25,
		RecordPath:     "./recordings/",
		StatusInterval: 2 * time.Second,
		KeepAlive:      5 * time.Second,
		StopTimeout:    10 * time.Second,
		BlankWidth:     640,
		BlankHeight:    480,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.TargetFPS <= 0 {
		c.TargetFPS = d.TargetFPS
	}
	if c.RecordPath == "" {
		c.RecordPath = d.RecordPath
	}
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.BlankWidth <= 0 || c.BlankHeight <= 0 {
		c.BlankWidth, c.BlankHeight = d.BlankWidth, d.BlankHeight
	}
	return c
}
