package h264

import (
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

// Processor caches SPS/PPS from the stream and marks IDR access units.
type Processor struct {
	spsCache   []byte // SPS NAL unit with start code
	ppsCache   []byte // PPS NAL unit with start code
	hasHeaders bool
}

// NewProcessor creates a new H.264 processor
func NewProcessor() *Processor {
	return &Processor{}
}

// Observe caches parameter sets. It reports whether the cache changed.
func (p *Processor) Observe(nal types.NALUnit) bool {
	switch nal.Type {
	case types.NALTypeSPS:
		p.spsCache = append(p.spsCache[:0], nal.Data...)
	case types.NALTypePPS:
		p.ppsCache = append(p.ppsCache[:0], nal.Data...)
	default:
		return false
	}
	p.hasHeaders = len(p.spsCache) > 0 && len(p.ppsCache) > 0
	return true
}

// Process scans an encoded frame, caching SPS/PPS and setting IsIDR.
// Only parameter sets are copied.
func (p *Processor) Process(frame *types.H264Frame) {
	for _, nal := range SplitNALUnits(frame.Data) {
		if nal.Type == types.NALTypeIDR {
			frame.IsIDR = true
		}
		p.Observe(nal)
	}
}

// PrependHeaders prepends SPS/PPS to an IDR access unit that does not
// already carry them. This is necessary for recording mid-stream.
func (p *Processor) PrependHeaders(data []byte) []byte {
	if !p.hasHeaders {
		return data
	}

	hasIDR, hasSPS := false, false
	for _, nal := range SplitNALUnits(data) {
		switch nal.Type {
		case types.NALTypeIDR:
			hasIDR = true
		case types.NALTypeSPS:
			hasSPS = true
		}
	}
	if !hasIDR || hasSPS {
		return data
	}

	result := make([]byte, 0, len(p.spsCache)+len(p.ppsCache)+len(data))
	result = append(result, p.spsCache...)
	result = append(result, p.ppsCache...)
	result = append(result, data...)
	return result
}

// HasHeaders returns true if SPS/PPS headers are cached
func (p *Processor) HasHeaders() bool {
	return p.hasHeaders
}

// SPS returns the cached SPS NAL unit, start code included.
func (p *Processor) SPS() []byte {
	return p.spsCache
}

// PPS returns the cached PPS NAL unit, start code included.
func (p *Processor) PPS() []byte {
	return p.ppsCache
}
