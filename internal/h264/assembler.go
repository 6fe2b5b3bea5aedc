package h264

import (
	"github.com/dj-oyu/mjpeg-stream/pkg/types"
)

// AccessUnit is the set of NAL units that make up one coded picture,
// plus any parameter sets or SEI that precede it.
type AccessUnit struct {
	NALs  []types.NALUnit
	IsIDR bool
}

// HasPicture reports whether the unit carries slice data.
func (au *AccessUnit) HasPicture() bool {
	for _, nal := range au.NALs {
		if IsVCL(nal.Type) {
			return true
		}
	}
	return false
}

// Bytes concatenates the NAL units in Annex-B form.
func (au *AccessUnit) Bytes() []byte {
	n := 0
	for _, nal := range au.NALs {
		n += len(nal.Data)
	}
	out := make([]byte, 0, n)
	for _, nal := range au.NALs {
		out = append(out, nal.Data...)
	}
	return out
}

// Assembler groups a NAL unit sequence into access units.
type Assembler struct {
	cur     AccessUnit
	seenVCL bool
}

// Push adds a NAL unit. When it begins a new access unit the previous
// one is returned.
func (a *Assembler) Push(nal types.NALUnit) (AccessUnit, bool) {
	var done AccessUnit
	var ok bool
	if a.startsNew(nal) {
		done, ok = a.cur, true
		a.cur = AccessUnit{}
		a.seenVCL = false
	}

	a.cur.NALs = append(a.cur.NALs, nal)
	if IsVCL(nal.Type) {
		a.seenVCL = true
		if nal.Type == types.NALTypeIDR {
			a.cur.IsIDR = true
		}
	}
	return done, ok
}

// Flush returns the pending access unit, if any.
func (a *Assembler) Flush() (AccessUnit, bool) {
	if len(a.cur.NALs) == 0 {
		return AccessUnit{}, false
	}
	done := a.cur
	a.cur = AccessUnit{}
	a.seenVCL = false
	return done, true
}

func (a *Assembler) startsNew(nal types.NALUnit) bool {
	if !a.seenVCL {
		return false
	}
	switch nal.Type {
	case types.NALTypeAUD, types.NALTypeSPS, types.NALTypePPS, types.NALTypeSEI:
		return true
	case types.NALTypeSlice, types.NALTypeIDR:
		return firstSliceOfPicture(nal.Data)
	}
	return false
}
