// Package recorder writes encoded samples to files and manages the
// recording lifecycle: start, end, status and delete.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dj-oyu/mjpeg-stream/internal/encoder"
	"github.com/dj-oyu/mjpeg-stream/internal/h264"
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

// AnnexBMuxer writes a raw H.264 elementary stream. SPS/PPS are written
// ahead of the first IDR so the file plays from the start.
type AnnexBMuxer struct {
	mu           sync.Mutex
	path         string
	file         *os.File
	params       *h264.Processor
	frameCount   uint64
	bytesWritten uint64
	firstIDR     bool
	hasTrack     bool
}

// NewAnnexBMuxer returns a muxer writing to path.
func NewAnnexBMuxer(path string) *AnnexBMuxer {
	return &AnnexBMuxer{path: path, params: h264.NewProcessor()}
}

// AddTrack caches the track's parameter sets.
func (m *AnnexBMuxer) AddTrack(format encoder.Format) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasTrack {
		return -1, errors.New("annexb: only one track supported")
	}
	m.hasTrack = true
	if len(format.SPS) > 0 {
		m.params.Observe(types.NALUnit{Type: types.NALTypeSPS, Data: withStartCode(format.SPS)})
	}
	if len(format.PPS) > 0 {
		m.params.Observe(types.NALUnit{Type: types.NALTypePPS, Data: withStartCode(format.PPS)})
	}
	return 0, nil
}

// Start creates the output file.
func (m *AnnexBMuxer) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil {
		return errors.New("annexb: already started")
	}
	file, err := os.Create(m.path)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	m.file = file
	m.frameCount = 0
	m.bytesWritten = 0
	m.firstIDR = false
	return nil
}

// WriteSample appends one access unit.
func (m *AnnexBMuxer) WriteSample(track int, data []byte, info encoder.SampleInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return errors.New("annexb: not started")
	}

	toWrite := data
	if !m.firstIDR {
		if !info.KeyFrame && !h264.IsIDRFrame(data) {
			return nil
		}
		toWrite = m.params.PrependHeaders(data)
		m.firstIDR = true
	}

	n, err := m.file.Write(toWrite)
	m.bytesWritten += uint64(n)
	if err != nil {
		return fmt.Errorf("annexb: write: %w", err)
	}
	m.frameCount++
	return nil
}

// Finalize flushes and closes the file.
func (m *AnnexBMuxer) Finalize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return nil
	}
	defer func() { m.file = nil }()

	if err := m.file.Sync(); err != nil {
		m.file.Close()
		return fmt.Errorf("failed to sync file: %w", err)
	}
	if err := m.file.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	return nil
}

// Stats returns samples and bytes written so far.
func (m *AnnexBMuxer) Stats() (frames, bytes uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frameCount, m.bytesWritten
}

func withStartCode(nal []byte) []byte {
	out := make([]byte, 0, len(nal)+4)
	out = append(out, 0, 0, 0, 1)
	return append(out, nal...)
}
