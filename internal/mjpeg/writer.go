package mjpeg

import (
	"fmt"
	"io"
)

// DefaultBoundary is the multipart boundary used by Writer.
const DefaultBoundary = "frame"

// ContentType returns the HTTP content type for a stream written with boundary.
func ContentType(boundary string) string {
	return "multipart/x-mixed-replace; boundary=" + boundary
}

// Writer emits JPEG frames as multipart parts that carry a Content-Length,
// which is what Demuxer needs to frame them again.
type Writer struct {
	w        io.Writer
	boundary string
}

// NewWriter returns a Writer using DefaultBoundary.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, boundary: DefaultBoundary}
}

// WritePart writes one part. jpeg is written verbatim.
func (pw *Writer) WritePart(jpeg []byte) error {
	if _, err := fmt.Fprintf(pw.w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
		pw.boundary, len(jpeg)); err != nil {
		return err
	}
	if _, err := pw.w.Write(jpeg); err != nil {
		return err
	}
	_, err := io.WriteString(pw.w, "\r\n")
	return err
}
