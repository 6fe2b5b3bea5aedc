// Package h264 splits Annex-B byte streams into NAL units and access
// units and keeps the parameter sets needed to start decoding mid-stream.
package h264

import (
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

// findStartCode returns the offset and length of the first start code
// at or after from, or -1.
func findStartCode(data []byte, from int) (int, int) {
	for i := from; i+2 < len(data); i++ {
		if data[i] != 0x00 || data[i+1] != 0x00 {
			continue
		}
		if data[i+2] == 0x01 {
			return i, 3
		}
		if i+3 < len(data) && data[i+2] == 0x00 && data[i+3] == 0x01 {
			return i, 4
		}
	}
	return -1, 0
}

// headerOffset returns the index of the NAL header byte, skipping the
// start code, or -1 when data does not begin with one.
func headerOffset(data []byte) int {
	switch {
	case len(data) > 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1:
		return 4
	case len(data) > 3 && data[0] == 0 && data[1] == 0 && data[2] == 1:
		return 3
	}
	return -1
}

// ExtractNALType extracts the NAL unit type from data starting with a
// start code.
func ExtractNALType(data []byte) uint8 {
	if h := headerOffset(data); h >= 0 {
		return data[h] & 0x1F
	}
	return 0
}

// IsIDRFrame checks if data begins with an IDR slice
func IsIDRFrame(data []byte) bool {
	return ExtractNALType(data) == types.NALTypeIDR
}

// StripStartCode returns the NAL unit without its start code.
func StripStartCode(data []byte) []byte {
	if h := headerOffset(data); h >= 0 {
		return data[h:]
	}
	return data
}

// IsVCL reports whether the type carries slice data.
func IsVCL(t uint8) bool {
	return t >= types.NALTypeSlice && t <= types.NALTypeIDR
}

// firstSliceOfPicture reports whether a slice NAL has first_mb_in_slice
// equal to zero, i.e. starts a new picture. first_mb_in_slice is ue(v),
// so zero is coded as a single 1 bit.
func firstSliceOfPicture(nal []byte) bool {
	h := headerOffset(nal)
	if h < 0 || h+1 >= len(nal) {
		return false
	}
	return nal[h+1]&0x80 != 0
}

// Splitter cuts an Annex-B byte stream into NAL units. Data may arrive
// in arbitrary chunks; a unit is emitted once the next start code is seen.
type Splitter struct {
	buf []byte
}

// Write appends stream bytes.
func (s *Splitter) Write(p []byte) {
	s.buf = append(s.buf, p...)
}

// Next returns the next complete NAL unit including its start code.
func (s *Splitter) Next() (types.NALUnit, bool) {
	start, n := findStartCode(s.buf, 0)
	if start < 0 {
		// Keep a possible partial start code.
		if len(s.buf) > 3 {
			s.buf = append(s.buf[:0], s.buf[len(s.buf)-3:]...)
		}
		return types.NALUnit{}, false
	}
	end, _ := findStartCode(s.buf, start+n+1)
	if end < 0 {
		if start > 0 {
			s.buf = append(s.buf[:0], s.buf[start:]...)
		}
		return types.NALUnit{}, false
	}
	return s.take(start, end), true
}

// Flush returns the trailing unit once the stream has ended.
func (s *Splitter) Flush() (types.NALUnit, bool) {
	if nal, ok := s.Next(); ok {
		return nal, true
	}
	start, n := findStartCode(s.buf, 0)
	if start < 0 || start+n >= len(s.buf) {
		s.buf = s.buf[:0]
		return types.NALUnit{}, false
	}
	return s.take(start, len(s.buf)), true
}

func (s *Splitter) take(start, end int) types.NALUnit {
	data := append([]byte(nil), s.buf[start:end]...)
	rest := copy(s.buf, s.buf[end:])
	s.buf = s.buf[:rest]
	return types.NALUnit{Type: ExtractNALType(data), Data: data}
}

// SplitNALUnits parses a complete buffer into NAL units. Units share
// memory with data.
func SplitNALUnits(data []byte) []types.NALUnit {
	nals := make([]types.NALUnit, 0, 8)
	start, n := findStartCode(data, 0)
	for start >= 0 {
		next, nn := findStartCode(data, start+n+1)
		end := next
		if end < 0 {
			end = len(data)
		}
		if start+n < end {
			nal := data[start:end]
			nals = append(nals, types.NALUnit{Type: nal[n] & 0x1F, Data: nal})
		}
		start, n = next, nn
	}
	return nals
}
