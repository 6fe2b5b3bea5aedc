// Package mjpeg slices an MJPEG-over-HTTP byte stream into JPEG frames.
//
// Each part is a text header carrying a Content-Length field followed by the
// JPEG bytes, which begin with the SOI marker (0xFF 0xD8). The demuxer scans
// forward for the marker, parses the header that precedes it and then reads
// exactly Content-Length bytes starting at the marker. The length field is
// the only framing authority; the EOI marker is not checked.
package mjpeg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

const (
	// HeaderMaxLength is the header allowance added to the scan window.
	HeaderMaxLength = 100
	// DefaultWindow matches a 640x480 stream at 30 fps.
	DefaultWindow = 640*480*30 + HeaderMaxLength

	markerFirst  = 0xFF
	markerSecond = 0xD8

	// headerKeep bounds how much of the pre-marker region is retained for
	// header parsing. Once the scratch grows past twice this, only the tail
	// is kept.
	headerKeep = 8 << 10

	readBufferSize = 64 << 10
)

var contentLength = []byte("Content-Length")

// WindowFor returns the scan window for a stream of the given geometry.
func WindowFor(width, height, frameRate, headerLength int) int {
	return width*height*frameRate + headerLength
}

// Demuxer extracts frames from a byte source. It is not safe for
// concurrent use.
type Demuxer struct {
	r        *bufio.Reader
	window   int
	maxFrame int
	next     uint64
	offset   int64
	header   []byte
	now      func() time.Time
}

// Option configures a Demuxer.
type Option func(*Demuxer)

// WithWindow sets the number of bytes scanned for an SOI marker before a
// FramingError is returned.
func WithWindow(n int) Option {
	return func(d *Demuxer) {
		if n > 0 {
			d.window = n
		}
	}
}

// WithMaxFrameSize rejects Content-Length values above n before allocating.
func WithMaxFrameSize(n int) Option {
	return func(d *Demuxer) {
		if n > 0 {
			d.maxFrame = n
		}
	}
}

// WithStartSeq sets the sequence index of the first extracted frame.
func WithStartSeq(seq uint64) Option {
	return func(d *Demuxer) { d.next = seq }
}

// NewDemuxer wraps r. The max frame size defaults to the scan window.
func NewDemuxer(r io.Reader, opts ...Option) *Demuxer {
	d := &Demuxer{
		window: DefaultWindow,
		header: make([]byte, 0, 512),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxFrame == 0 {
		d.maxFrame = d.window
	}
	if br, ok := r.(*bufio.Reader); ok {
		d.r = br
	} else {
		d.r = bufio.NewReaderSize(r, readBufferSize)
	}
	return d
}

// NextSeq returns the sequence index the next frame will carry.
func (d *Demuxer) NextSeq() uint64 { return d.next }

// BytesRead returns the number of bytes consumed from the source so far.
func (d *Demuxer) BytesRead() int64 { return d.offset }

// NextFrame returns the next frame. It returns io.EOF when the source ends
// before a Content-Length field was seen, *FramingError for a header that
// cannot be framed, and *TruncatedFrameError when the source ends inside
// a part.
func (d *Demuxer) NextFrame() (types.Frame, error) {
	if err := d.scanToMarker(); err != nil {
		return types.Frame{}, err
	}

	length, err := d.parseContentLength()
	if err != nil {
		return types.Frame{}, err
	}

	data := make([]byte, length)
	data[0], data[1] = markerFirst, markerSecond
	n, err := io.ReadFull(d.r, data[2:])
	d.offset += int64(n)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return types.Frame{}, &TruncatedFrameError{Want: length, Got: 2 + n, Err: io.ErrUnexpectedEOF}
		}
		return types.Frame{}, fmt.Errorf("mjpeg: read frame payload: %w", err)
	}

	frame := types.Frame{Seq: d.next, Data: data, Timestamp: d.now()}
	d.next++
	return frame, nil
}

// scanToMarker consumes bytes up to and including the next SOI marker and
// leaves the bytes that preceded it in d.header.
func (d *Demuxer) scanToMarker() error {
	d.header = d.header[:0]
	sawFF := false

	for scanned := 0; scanned < d.window; scanned++ {
		b, err := d.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				// A part has begun only once its length field was seen;
				// anything else is trailing delimiter noise.
				if !containsFold(d.header, contentLength) {
					return io.EOF
				}
				return &TruncatedFrameError{Got: scanned, Err: io.ErrUnexpectedEOF}
			}
			return fmt.Errorf("mjpeg: read part header: %w", err)
		}
		d.offset++

		if sawFF && b == markerSecond {
			d.header = d.header[:len(d.header)-1]
			return nil
		}
		sawFF = b == markerFirst

		if len(d.header) >= 2*headerKeep {
			n := copy(d.header, d.header[len(d.header)-headerKeep:])
			d.header = d.header[:n]
		}
		d.header = append(d.header, b)
	}

	return &FramingError{
		Reason: fmt.Sprintf("no SOI marker within %d bytes", d.window),
		Offset: d.offset,
	}
}

func containsFold(b, sub []byte) bool {
	return bytes.Contains(bytes.ToLower(b), bytes.ToLower(sub))
}

// parseContentLength reads key:value (or key=value) lines from the header
// region. The last Content-Length line wins; its value must be a decimal
// integer between 2 and the max frame size.
func (d *Demuxer) parseContentLength() (int, error) {
	var (
		value string
		found bool
	)
	rest := d.header
	for len(rest) > 0 {
		var line []byte
		line, rest, _ = bytes.Cut(rest, []byte{'\n'})
		i := bytes.IndexAny(line, ":=")
		if i < 0 {
			continue
		}
		if !bytes.EqualFold(bytes.TrimSpace(line[:i]), contentLength) {
			continue
		}
		value = string(bytes.TrimSpace(line[i+1:]))
		found = true
	}

	if !found {
		return 0, &FramingError{Reason: "part header has no Content-Length", Offset: d.offset}
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &FramingError{Reason: fmt.Sprintf("non-numeric Content-Length %q", value), Offset: d.offset}
	}
	if n < 2 {
		return 0, &FramingError{Reason: fmt.Sprintf("Content-Length %d shorter than the SOI marker", n), Offset: d.offset}
	}
	if n > d.maxFrame {
		return 0, &FramingError{Reason: fmt.Sprintf("Content-Length %d exceeds max frame size %d", n, d.maxFrame), Offset: d.offset}
	}
	return n, nil
}
