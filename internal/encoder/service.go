package encoder

import (
	"time"

	"github.com/dj-oyu/mjpeg-stream/internal/yuv"
)

// MIMEAVC identifies an H.264 video track.
const MIMEAVC = "video/avc"

// Format describes the encoded track once the encoder has negotiated it.
type Format struct {
	MIME      string
	Width     int
	Height    int
	FrameRate int
	SPS       []byte // without start code
	PPS       []byte // without start code
}

// Slot is an encoder input buffer. Buf has room for one raw frame.
type Slot struct {
	Index int
	Buf   []byte
}

// OutputUnit is one event polled from the encoder. Exactly one of
// Format, Config or a payload in Data is meaningful; EOS may accompany
// any of them.
type OutputUnit struct {
	Format   *Format
	Config   bool
	Data     []byte
	PTS      int64 // microseconds
	KeyFrame bool
	EOS      bool
}

// SampleInfo accompanies every sample written to a muxer track.
type SampleInfo struct {
	PTS      int64 // microseconds
	KeyFrame bool
	Size     int
}

// Encoder is a video encoder that consumes raw 4:2:0 frames.
//
// AcquireInput and PollOutput return ok=false when nothing became
// available within timeout. A non-nil error is fatal to the session.
type Encoder interface {
	Layout() yuv.Layout
	AcquireInput(timeout time.Duration) (slot Slot, ok bool, err error)
	Submit(slot Slot, data []byte, ptsMicros int64, eos bool) error
	PollOutput(timeout time.Duration) (unit OutputUnit, ok bool, err error)
	Close() error
}

// Muxer writes encoded samples into a container.
type Muxer interface {
	AddTrack(format Format) (track int, err error)
	Start() error
	WriteSample(track int, data []byte, info SampleInfo) error
	Finalize() error
}

// Factory builds an encoder for the given configuration.
type Factory func(cfg Config) (Encoder, error)
