package mjpeg

import "fmt"

// FramingError reports a part header that cannot be framed: no SOI marker
// inside the scan window, or a missing, non-numeric or out-of-range
// Content-Length. The stream is still positioned after whatever was
// scanned, so the next call resynchronises on the following marker.
type FramingError struct {
	Reason string
	Offset int64 // Stream offset at which the problem was detected
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("mjpeg: framing error at offset %d: %s", e.Offset, e.Reason)
}

// TruncatedFrameError reports a stream that ended before the declared
// Content-Length was read. No partial frame is ever returned.
type TruncatedFrameError struct {
	Want int
	Got  int
	Err  error
}

func (e *TruncatedFrameError) Error() string {
	if e.Want == 0 {
		return fmt.Sprintf("mjpeg: stream ended inside a part header after %d bytes", e.Got)
	}
	return fmt.Sprintf("mjpeg: stream ended mid-frame (%d of %d bytes)", e.Got, e.Want)
}

func (e *TruncatedFrameError) Unwrap() error { return e.Err }
