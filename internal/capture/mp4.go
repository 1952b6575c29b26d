package capture

import (
	"encoding/binary"
	"time"

	"github.com/snapo-dev/snapo-core/internal/adberr"
)

// mp4Info is the subset of an MP4 container's metadata the recording
// pipeline needs: overall duration (from moov/mvhd) and the natural
// dimensions of its first track (from moov/trak/tkhd), per spec
// §4.5 recording-stop step 5.
type mp4Info struct {
	Duration time.Duration
	Width    uint32
	Height   uint32
}

// parseMP4 walks the ISO base media file format's box hierarchy far enough
// to extract mvhd's duration/timescale and tkhd's width/height. It does
// not validate or decode any sample data.
func parseMP4(data []byte) (mp4Info, error) {
	moov, ok := findBox(data, "moov")
	if !ok {
		return mp4Info{}, adberr.Frame("parse_mp4", "no moov box", nil)
	}

	mvhd, ok := findBox(moov, "mvhd")
	if !ok {
		return mp4Info{}, adberr.Frame("parse_mp4", "no mvhd box", nil)
	}
	timescale, duration, err := parseMVHD(mvhd)
	if err != nil {
		return mp4Info{}, err
	}

	var width, height uint32
	if trak, ok := findBox(moov, "trak"); ok {
		if tkhd, ok := findBox(trak, "tkhd"); ok {
			width, height, _ = parseTKHD(tkhd)
		}
	}

	var d time.Duration
	if timescale > 0 {
		d = time.Duration(float64(duration) / float64(timescale) * float64(time.Second))
	}
	return mp4Info{Duration: d, Width: width, Height: height}, nil
}

// findBox returns the payload of the first direct child box of the given
// fourCC type within data (data itself being either a full file or another
// box's payload).
func findBox(data []byte, fourCC string) ([]byte, bool) {
	i := 0
	for i+8 <= len(data) {
		size := binary.BigEndian.Uint32(data[i : i+4])
		typ := string(data[i+4 : i+8])
		hdr := 8
		boxSize := int(size)
		if size == 1 {
			if i+16 > len(data) {
				break
			}
			boxSize = int(binary.BigEndian.Uint64(data[i+8 : i+16]))
			hdr = 16
		}
		if boxSize < hdr || i+boxSize > len(data) {
			break
		}
		if typ == fourCC {
			return data[i+hdr : i+boxSize], true
		}
		if boxSize == 0 {
			break
		}
		i += boxSize
	}
	return nil, false
}

func parseMVHD(b []byte) (timescale uint32, duration uint64, err error) {
	if len(b) < 4 {
		return 0, 0, adberr.Frame("parse_mvhd", "truncated box", nil)
	}
	version := b[0]
	if version == 1 {
		if len(b) < 4+16+4+8 {
			return 0, 0, adberr.Frame("parse_mvhd", "truncated v1 box", nil)
		}
		timescale = binary.BigEndian.Uint32(b[20:24])
		duration = binary.BigEndian.Uint64(b[24:32])
		return timescale, duration, nil
	}
	if len(b) < 4+8+4+4 {
		return 0, 0, adberr.Frame("parse_mvhd", "truncated v0 box", nil)
	}
	timescale = binary.BigEndian.Uint32(b[12:16])
	duration = uint64(binary.BigEndian.Uint32(b[16:20]))
	return timescale, duration, nil
}

// parseTKHD reads the 16.16 fixed-point width/height fields at the tail of
// a track header box, returning only their integer part.
func parseTKHD(b []byte) (width, height uint32, err error) {
	if len(b) < 4 {
		return 0, 0, adberr.Frame("parse_tkhd", "truncated box", nil)
	}
	version := b[0]
	tail := len(b) - 8
	if tail < 0 {
		return 0, 0, adberr.Frame("parse_tkhd", "truncated box", nil)
	}
	_ = version
	width = binary.BigEndian.Uint32(b[tail:tail+4]) >> 16
	height = binary.BigEndian.Uint32(b[tail+4:tail+8]) >> 16
	return width, height, nil
}
