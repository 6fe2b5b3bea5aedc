package ffmpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/mjpeg-stream/internal/encoder"
	"github.com/dj-oyu/mjpeg-stream/internal/logger"
)

const finalizeTimeout = 10 * time.Second

var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// MuxArgs returns the ffmpeg command line that remuxes an Annex-B stream
// on stdin into the container chosen by path's extension.
func MuxArgs(path string, frameRate int) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-fflags", "+genpts",
		"-f", "h264",
		"-framerate", strconv.Itoa(frameRate),
		"-i", "pipe:0",
		"-c", "copy",
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp4", ".mov", ".m4v":
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, path)
}

// Muxer is an encoder.Muxer that hands samples to an ffmpeg remux
// process writing a container file.
type Muxer struct {
	path       string
	ffmpegPath string
	log        logger.Scoped

	mu           sync.Mutex
	format       *encoder.Format
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	stderr       []string
	stderrEnd    chan struct{}
	wroteHeaders bool
	written      uint64
}

// NewMuxer returns a muxer for path. ffmpegPath may be empty.
func NewMuxer(path, ffmpegPath string) *Muxer {
	if ffmpegPath == "" {
		ffmpegPath = DefaultPath
	}
	return &Muxer{
		path:       path,
		ffmpegPath: ffmpegPath,
		log:        logger.For("Mux").With(filepath.Base(path)),
	}
}

// Path returns the output file.
func (m *Muxer) Path() string { return m.path }

// BytesWritten returns the payload bytes handed to ffmpeg so far.
func (m *Muxer) BytesWritten() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written
}

// AddTrack registers the single video track.
func (m *Muxer) AddTrack(format encoder.Format) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.format != nil {
		return -1, errors.New("mux: only one track supported")
	}
	if format.FrameRate <= 0 {
		return -1, fmt.Errorf("mux: invalid frame rate %d", format.FrameRate)
	}
	m.format = &format
	return 0, nil
}

// Start launches the remux process.
func (m *Muxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.format == nil {
		return errors.New("mux: start before AddTrack")
	}
	if m.cmd != nil {
		return errors.New("mux: already started")
	}

	cmd := exec.Command(m.ffmpegPath, MuxArgs(m.path, m.format.FrameRate)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("mux: stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("mux: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("mux: start %s: %w", m.ffmpegPath, err)
	}
	m.cmd = cmd
	m.stdin = stdin
	m.stderrEnd = make(chan struct{})
	go m.collectStderr(stderr)

	m.log.Info("Writing %s (%dx%d@%d)", m.path, m.format.Width, m.format.Height, m.format.FrameRate)
	return nil
}

// WriteSample writes one access unit. Parameter sets are written ahead
// of the first key frame; samples before it are dropped.
func (m *Muxer) WriteSample(track int, data []byte, info encoder.SampleInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stdin == nil {
		return errors.New("mux: not started")
	}
	if track != 0 {
		return fmt.Errorf("mux: unknown track %d", track)
	}
	if !m.wroteHeaders {
		if !info.KeyFrame {
			m.log.Debug("Skipping sample at %dus before first key frame", info.PTS)
			return nil
		}
		if err := m.writeParameterSets(); err != nil {
			return err
		}
		m.wroteHeaders = true
	}
	if _, err := m.stdin.Write(data); err != nil {
		return fmt.Errorf("mux: write sample: %w", err)
	}
	m.written += uint64(len(data))
	return nil
}

func (m *Muxer) writeParameterSets() error {
	for _, ps := range [][]byte{m.format.SPS, m.format.PPS} {
		if len(ps) == 0 {
			continue
		}
		if _, err := m.stdin.Write(annexBStartCode); err != nil {
			return fmt.Errorf("mux: write parameter sets: %w", err)
		}
		if _, err := m.stdin.Write(ps); err != nil {
			return fmt.Errorf("mux: write parameter sets: %w", err)
		}
	}
	return nil
}

// Finalize closes the input and waits for ffmpeg to write the container
// trailer.
func (m *Muxer) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cmd == nil {
		return nil
	}
	m.stdin.Close()

	done := make(chan error, 1)
	go func() {
		<-m.stderrEnd
		done <- m.cmd.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(finalizeTimeout):
		m.cmd.Process.Kill()
		err = fmt.Errorf("mux: ffmpeg did not finish within %v", finalizeTimeout)
		<-done
	}
	m.cmd = nil
	m.stdin = nil

	if err != nil {
		if len(m.stderr) > 0 {
			return fmt.Errorf("mux: %w: %s", err, strings.Join(m.stderr, "; "))
		}
		return fmt.Errorf("mux: %w", err)
	}
	m.log.Info("Finalized %s (%d bytes of samples)", m.path, m.written)
	return nil
}

func (m *Muxer) collectStderr(r io.Reader) {
	defer close(m.stderrEnd)

	scanner := bufio.NewScanner(r)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		m.log.Warn("%s", line)
		lines = append(lines, line)
		if len(lines) > 8 {
			lines = lines[1:]
		}
	}
	m.stderr = lines
}
