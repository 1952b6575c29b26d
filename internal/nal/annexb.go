// Package nal implements the minimal Annex-B H.264 parsing the live
// preview session needs: splitting an elementary-stream byte sequence
// into NAL units, grouping them into access units, and reading width/height
// out of the first SPS (spec §4.5 "Live preview").
package nal

// Type is the low 5 bits of a NAL unit's header byte.
type Type uint8

const (
	TypeNonIDRSlice Type = 1
	TypeIDRSlice    Type = 5
	TypeSEI         Type = 6
	TypeSPS         Type = 7
	TypePPS         Type = 8
	TypeAUD         Type = 9
)

// UnitType returns the NAL unit type of n, or 0 for an empty slice.
func UnitType(n []byte) Type {
	if len(n) == 0 {
		return 0
	}
	return Type(n[0] & 0x1F)
}

// IsVCL reports whether t is a coded-slice NAL type (the payload that
// forms the picture itself, as opposed to parameter sets/SEI/AUD).
func (t Type) IsVCL() bool {
	return t >= 1 && t <= 5
}

// IsKeyframe reports whether t is an IDR slice.
func (t Type) IsKeyframe() bool {
	return t == TypeIDRSlice
}

// SplitAnnexB splits an Annex-B byte stream into individual NAL units,
// stripping the 00 00 01 / 00 00 00 01 start codes. A stream that ends
// mid-unit (no trailing start code) still yields its final, complete unit
// — the caller is responsible for buffering a partial trailing unit
// across reads.
func SplitAnnexB(b []byte) [][]byte {
	var units [][]byte
	i := 0
	for {
		start, bodyStart := findStartCode(b, i)
		if start < 0 {
			break
		}
		nextStart, _ := findStartCode(b, bodyStart)
		if nextStart < 0 {
			if n := b[bodyStart:]; len(n) > 0 {
				units = append(units, n)
			}
			break
		}
		if n := b[bodyStart:nextStart]; len(n) > 0 {
			units = append(units, n)
		}
		i = nextStart
	}
	return units
}

// findStartCode locates the next 00 00 01 or 00 00 00 01 start code at or
// after from, returning (index of first 00, index just past the 01).
func findStartCode(b []byte, from int) (int, int) {
	for i := from; i+3 <= len(b); i++ {
		if b[i] == 0 && b[i+1] == 0 && b[i+2] == 1 {
			return i, i + 3
		}
		if i+4 <= len(b) && b[i] == 0 && b[i+1] == 0 && b[i+2] == 0 && b[i+3] == 1 {
			return i, i + 4
		}
	}
	return -1, -1
}

// AccessUnitAssembler groups a sequence of NAL units into access units: a
// run of NAL units up to (but not including) the next AUD/first-VCL
// boundary. It also keeps the most recent SPS/PPS pair seen, and fires
// onFormat exactly once, for the first SPS with parseable dimensions.
type AccessUnitAssembler struct {
	onFormat func(width, height uint16)
	onSample func(units [][]byte)

	formatSent bool
	pendingSPS []byte
	pendingPPS []byte

	current [][]byte
}

// NewAccessUnitAssembler constructs an assembler. onFormat fires once,
// when the first SPS carries parseable dimensions. onSample fires once
// per completed access unit with its NAL units in arrival order.
func NewAccessUnitAssembler(onFormat func(width, height uint16), onSample func(units [][]byte)) *AccessUnitAssembler {
	return &AccessUnitAssembler{onFormat: onFormat, onSample: onSample}
}

// Feed consumes one Annex-B chunk (as read off the shell stream) and
// dispatches any access units it completes.
func (a *AccessUnitAssembler) Feed(chunk []byte) {
	for _, unit := range SplitAnnexB(chunk) {
		a.feedUnit(unit)
	}
}

func (a *AccessUnitAssembler) feedUnit(unit []byte) {
	t := UnitType(unit)

	if t == TypeSPS {
		a.pendingSPS = append([]byte(nil), unit...)
		if !a.formatSent {
			if w, h, ok := ParseSPSDimensions(unit); ok {
				a.formatSent = true
				if a.onFormat != nil {
					a.onFormat(w, h)
				}
			}
		}
	}
	if t == TypePPS {
		a.pendingPPS = append([]byte(nil), unit...)
	}

	// A new access unit starts at an AUD or at a VCL NAL that follows a
	// previously-flushed VCL unit; the minimal rule used here flushes on
	// every VCL unit boundary after the first, which is sufficient for
	// screenrecord's one-slice-per-picture output.
	if t == TypeAUD || (t.IsVCL() && hasVCL(a.current)) {
		a.flush()
	}

	a.current = append(a.current, unit)
}

func hasVCL(units [][]byte) bool {
	for _, u := range units {
		if UnitType(u).IsVCL() {
			return true
		}
	}
	return false
}

func (a *AccessUnitAssembler) flush() {
	if len(a.current) == 0 {
		return
	}
	units := a.current
	a.current = nil
	if a.onSample != nil {
		a.onSample(units)
	}
}

// Close flushes any buffered, incomplete access unit (e.g. at stream EOF).
func (a *AccessUnitAssembler) Close() {
	a.flush()
}
