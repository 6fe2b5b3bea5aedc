package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/mjpeg-stream/internal/config"
	"github.com/dj-oyu/mjpeg-stream/internal/encoder"
	"github.com/dj-oyu/mjpeg-stream/internal/logger"
	"github.com/dj-oyu/mjpeg-stream/internal/metrics"
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
	ErrRecordingActive  = errors.New("recording in progress")
	ErrNoRecording      = errors.New("no recorded file")
)

// Options configure a Controller.
type Options struct {
	Encode     encoder.Config
	NewEncoder encoder.Factory
	FFmpegPath string
	Metrics    *metrics.Metrics
	// Preview receives every encoded sample as an Annex-B frame.
	Preview func(*types.H264Frame)
	// OnEnd is called once per recording when its session stops.
	OnEnd func(RecordingStatus)
	// NewMuxer overrides the extension-based muxer choice.
	NewMuxer func(path, ffmpegPath string) (encoder.Muxer, error)
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	ID           string        `json:"id,omitempty"`
	Recording    bool          `json:"recording"`
	Ending       bool          `json:"ending"`
	Path         string        `json:"path,omitempty"`
	FrameCount   uint64        `json:"frame_count"`
	BytesWritten uint64        `json:"bytes_written"`
	Dropped      uint64        `json:"dropped"`
	Duration     time.Duration `json:"duration_ns"`
	StartTime    time.Time     `json:"start_time"`
	Error        string        `json:"error,omitempty"`
}

// Controller runs at most one recording at a time. Every Start builds a
// fresh encoder session; sessions are never reused.
type Controller struct {
	opts Options
	log  logger.Scoped

	mu        sync.Mutex
	id        string
	session   *encoder.Session
	tee       *Tee
	path      string
	startTime time.Time
	last      RecordingStatus
	lastPath  string
}

// NewController creates an idle controller.
func NewController(opts Options) *Controller {
	if opts.NewMuxer == nil {
		opts.NewMuxer = NewMuxer
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Controller{opts: opts, log: logger.For("Recorder")}
}

// Start begins recording to path. A directory or a path ending in a
// separator gets a timestamped file name.
func (c *Controller) Start(path string) error {
	if path == "" {
		return &config.ConfigError{Field: "record.path", Reason: "required to start recording"}
	}
	path = resolvePath(path, time.Now())

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return ErrAlreadyRecording
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create recordings directory: %w", err)
		}
	}
	mux, err := c.opts.NewMuxer(path, c.opts.FFmpegPath)
	if err != nil {
		return &config.ConfigError{Field: "record.path", Reason: err.Error()}
	}
	tee := NewTee(mux, c.opts.Preview, c.opts.Metrics)

	id := uuid.NewString()
	c.opts.Metrics.ResetRecording()
	session, err := encoder.New(c.opts.Encode, encoder.Deps{
		NewEncoder: c.opts.NewEncoder,
		Muxer:      tee,
		Metrics:    c.opts.Metrics,
		OnEnd:      func(res encoder.Result) { c.finished(id, res) },
	})
	if err != nil {
		return err
	}

	c.id = id
	c.session = session
	c.tee = tee
	c.path = path
	c.lastPath = path
	c.startTime = time.Now()
	c.opts.Metrics.RecordingActive.Store(1)
	c.log.Info("Recording %s to %s", id[:8], path)
	return nil
}

// Encode feeds a frame to the active recording. It does nothing when
// not recording.
func (c *Controller) Encode(frame types.Frame) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return
	}
	if err := session.Encode(frame); err != nil && !errors.Is(err, encoder.ErrSessionEnded) {
		c.log.Warn("Encode frame %d: %v", frame.Seq, err)
	}
}

// End requests a graceful end of the active recording. It returns
// without waiting; the session finalizes the file once drained.
func (c *Controller) End() error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return ErrNotRecording
	}
	session.End()
	return nil
}

// Stop ends the active recording and waits for the file to be
// finalized or for timeout.
func (c *Controller) Stop(timeout time.Duration) (RecordingStatus, error) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		return c.Status(), ErrNotRecording
	}
	session.End()

	select {
	case <-session.Done():
	case <-time.After(timeout):
		c.log.Warn("Recording did not drain within %v, aborting", timeout)
		session.Close()
	}
	return c.Status(), session.Err()
}

// Status returns the active recording, or the last finished one.
func (c *Controller) Status() RecordingStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return c.last
	}
	frames, bytes := c.tee.Stats()
	return RecordingStatus{
		ID:           c.id,
		Recording:    true,
		Ending:       c.session.State() >= encoder.EndRequested,
		Path:         c.path,
		FrameCount:   frames,
		BytesWritten: bytes,
		Duration:     c.tee.Position(),
		StartTime:    c.startTime,
	}
}

// Delete removes the most recent recording file.
func (c *Controller) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		return ErrRecordingActive
	}
	if c.lastPath == "" {
		return ErrNoRecording
	}
	if err := os.Remove(c.lastPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNoRecording
		}
		return fmt.Errorf("delete %s: %w", c.lastPath, err)
	}
	c.log.Info("Deleted %s", c.lastPath)
	c.lastPath = ""
	c.last.Path = ""
	return nil
}

// Close aborts any active recording without draining.
func (c *Controller) Close() {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session != nil {
		session.Close()
	}
}

func (c *Controller) finished(id string, res encoder.Result) {
	c.mu.Lock()
	if c.id != id {
		c.mu.Unlock()
		return
	}
	frames, bytes := c.tee.Stats()
	status := RecordingStatus{
		ID:           id,
		Path:         c.path,
		FrameCount:   frames,
		BytesWritten: bytes,
		Dropped:      res.Dropped,
		Duration:     res.Duration,
		StartTime:    c.startTime,
	}
	if res.Err != nil {
		status.Error = res.Err.Error()
	}
	c.last = status
	c.session = nil
	c.tee = nil
	c.opts.Metrics.RecordingActive.Store(0)
	onEnd := c.opts.OnEnd
	c.mu.Unlock()

	c.log.Info("Recording %s finished: %d frames, %v", id[:8], status.FrameCount, status.Duration)
	if onEnd != nil {
		onEnd(status)
	}
}

func resolvePath(path string, now time.Time) string {
	name := fmt.Sprintf("recording_%s.mp4", now.Format("20060102_150405"))
	if os.IsPathSeparator(path[len(path)-1]) {
		return filepath.Join(path, name)
	}
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		return filepath.Join(path, name)
	}
	return path
}
