// Package decode turns JPEG frames into RGBA images, optionally resized to
// a fixed target and optionally backed by a buffer pool.
package decode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"

	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

// DecodeError reports a single frame that could not be decoded. Callers
// drop the frame and carry on.
type DecodeError struct {
	Seq uint64
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: frame %d: %v", e.Seq, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decoder decodes a coded frame into a fresh image handle owned by the caller.
type Decoder interface {
	Decode(frame types.Frame) (*types.DecodedImage, error)
}

// JPEGDecoder decodes baseline and progressive JPEG.
type JPEGDecoder struct {
	width  int
	height int
	scaler draw.Interpolator
	pool   *Pool
}

// Option configures a JPEGDecoder.
type Option func(*JPEGDecoder)

// WithResize scales every decoded image to w x h. Zero keeps native size.
func WithResize(w, h int) Option {
	return func(d *JPEGDecoder) {
		d.width, d.height = w, h
	}
}

// WithScaler picks the interpolator used for resizing.
func WithScaler(s draw.Interpolator) Option {
	return func(d *JPEGDecoder) { d.scaler = s }
}

// WithPool makes the decoder draw into buffers taken from p. A buffer only
// goes back to p once every holder of the returned handle has released it.
func WithPool(p *Pool) Option {
	return func(d *JPEGDecoder) { d.pool = p }
}

// NewJPEGDecoder returns a decoder that allocates a fresh buffer per frame
// unless WithPool is given.
func NewJPEGDecoder(opts ...Option) *JPEGDecoder {
	d := &JPEGDecoder{scaler: draw.ApproxBiLinear}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Size returns the configured target size, or zeros for native size.
func (d *JPEGDecoder) Size() (w, h int) { return d.width, d.height }

// Decode implements Decoder.
func (d *JPEGDecoder) Decode(frame types.Frame) (*types.DecodedImage, error) {
	src, err := jpeg.Decode(bytes.NewReader(frame.Data))
	if err != nil {
		return nil, &DecodeError{Seq: frame.Seq, Err: err}
	}

	sb := src.Bounds()
	w, h := sb.Dx(), sb.Dy()
	if d.width > 0 && d.height > 0 {
		w, h = d.width, d.height
	}

	var (
		dst     *image.RGBA
		release func(*image.RGBA)
	)
	if d.pool != nil {
		dst = d.pool.Get(w, h)
		release = d.pool.Put
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}

	dr := dst.Bounds()
	if dr.Size() == sb.Size() {
		draw.Draw(dst, dr, src, sb.Min, draw.Src)
	} else {
		d.scaler.Scale(dst, dr, src, sb, draw.Src, nil)
	}

	return types.NewDecodedImage(frame.Seq, dst, release), nil
}
