package types

import (
	"image"
	"sync/atomic"
	"time"
)

// Frame is one JPEG-coded still image sliced out of an MJPEG stream.
// Data starts at the SOI marker and is never mutated after extraction.
type Frame struct {
	Seq       uint64    // Monotonic within a stream session
	Data      []byte    // Coded bytes, SOI included
	Timestamp time.Time // When the demuxer finished reading the frame
}

// DecodedImage is a reference-counted handle on a decoded RGBA buffer.
//
// The handle starts with one reference owned by whoever created it. Every
// additional holder must Retain it and every holder must Release it exactly
// once. When the count reaches zero the buffer is handed back to the pool it
// came from (if any), so nothing may touch Image after its own Release.
type DecodedImage struct {
	Seq   uint64
	Image *image.RGBA

	refs    atomic.Int32
	release func(*image.RGBA)
}

// NewDecodedImage wraps img. release may be nil.
func NewDecodedImage(seq uint64, img *image.RGBA, release func(*image.RGBA)) *DecodedImage {
	d := &DecodedImage{Seq: seq, Image: img, release: release}
	d.refs.Store(1)
	return d
}

// Width returns the pixel width of the image.
func (d *DecodedImage) Width() int { return d.Image.Rect.Dx() }

// Height returns the pixel height of the image.
func (d *DecodedImage) Height() int { return d.Image.Rect.Dy() }

// Retain adds a reference and returns d for chaining.
func (d *DecodedImage) Retain() *DecodedImage {
	d.refs.Add(1)
	return d
}

// Release drops a reference.
func (d *DecodedImage) Release() {
	n := d.refs.Add(-1)
	if n < 0 {
		panic("types: DecodedImage released more often than retained")
	}
	if n == 0 && d.release != nil {
		d.release(d.Image)
	}
}

// Clone returns a deep copy that is detached from any pool.
func (d *DecodedImage) Clone() *DecodedImage {
	img := image.NewRGBA(d.Image.Rect)
	copy(img.Pix, d.Image.Pix)
	return NewDecodedImage(d.Seq, img, nil)
}

// H264Frame represents a complete H.264 access unit with metadata
type H264Frame struct {
	Data      []byte    // Raw H.264 data (Annex-B NAL units)
	Timestamp time.Time // When the sample left the encoder
	PTS       int64     // Presentation timestamp in microseconds
	FrameNum  uint64    // Sequential frame number
	IsIDR     bool      // True if this frame contains an IDR
	Width     int       // Frame width
	Height    int       // Frame height
}

// NALUnit represents a single H.264 NAL unit
type NALUnit struct {
	Type uint8  // NAL unit type (lower 5 bits)
	Data []byte // Complete NAL unit including start code
}

// NALUnitType constants
const (
	NALTypeSlice     uint8 = 1
	NALTypeIDR       uint8 = 5
	NALTypeSEI       uint8 = 6
	NALTypeSPS       uint8 = 7
	NALTypePPS       uint8 = 8
	NALTypeAUD       uint8 = 9
	NALTypeEndSeq    uint8 = 10
	NALTypeEndStream uint8 = 11
	NALTypeFiller    uint8 = 12
)
