package recorder

import (
	"sync/atomic"
	"time"

	"github.com/dj-oyu/mjpeg-stream/internal/encoder"
	"github.com/dj-oyu/mjpeg-stream/internal/h264"
	"github.com/dj-oyu/mjpeg-stream/internal/metrics"
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

// Tee forwards every sample to a file muxer and, as an Annex-B frame, to
// a live sink. Sink frames carry SPS/PPS on every IDR. Samples before the
// first key frame reach neither and are not counted.
type Tee struct {
	encoder.Muxer

	sink    func(*types.H264Frame)
	m       *metrics.Metrics
	params  *h264.Processor
	width   int
	height  int
	keyed   bool
	frames  atomic.Uint64
	bytes   atomic.Uint64
	lastPTS atomic.Int64
}

// NewTee wraps mux. sink and m may be nil.
func NewTee(mux encoder.Muxer, sink func(*types.H264Frame), m *metrics.Metrics) *Tee {
	return &Tee{Muxer: mux, sink: sink, m: m, params: h264.NewProcessor()}
}

// AddTrack records the parameter sets for the live sink.
func (t *Tee) AddTrack(format encoder.Format) (int, error) {
	t.width, t.height = format.Width, format.Height
	if len(format.SPS) > 0 {
		t.params.Observe(types.NALUnit{Type: types.NALTypeSPS, Data: withStartCode(format.SPS)})
	}
	if len(format.PPS) > 0 {
		t.params.Observe(types.NALUnit{Type: types.NALTypePPS, Data: withStartCode(format.PPS)})
	}
	return t.Muxer.AddTrack(format)
}

// WriteSample writes to the file first; the sink only sees samples the
// file accepted.
func (t *Tee) WriteSample(track int, data []byte, info encoder.SampleInfo) error {
	if !t.keyed {
		if !info.KeyFrame && !h264.IsIDRFrame(data) {
			return nil
		}
		info.KeyFrame = true
		t.keyed = true
	}
	if err := t.Muxer.WriteSample(track, data, info); err != nil {
		return err
	}
	n := t.frames.Add(1)
	t.bytes.Add(uint64(len(data)))
	t.lastPTS.Store(info.PTS)
	if t.m != nil {
		t.m.RecordingFrames.Add(1)
		t.m.RecordingBytes.Add(uint64(len(data)))
	}

	if t.sink != nil {
		frame := &types.H264Frame{
			Data:      data,
			Timestamp: time.Now(),
			PTS:       info.PTS,
			FrameNum:  n - 1,
			IsIDR:     info.KeyFrame,
			Width:     t.width,
			Height:    t.height,
		}
		if frame.IsIDR {
			frame.Data = t.params.PrependHeaders(data)
		}
		t.sink(frame)
	}
	return nil
}

// Stats returns samples and payload bytes written.
func (t *Tee) Stats() (frames, bytes uint64) {
	return t.frames.Load(), t.bytes.Load()
}

// Position returns the presentation time of the last written sample.
func (t *Tee) Position() time.Duration {
	return time.Duration(t.lastPTS.Load()) * time.Microsecond
}
