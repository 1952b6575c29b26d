package capture

import (
	"encoding/binary"

	"github.com/snapo-dev/snapo-core/internal/adberr"
)

var pngSignature = [8]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}

// parseIHDR reads width/height out of a PNG's mandatory, always-first IHDR
// chunk without decoding any pixel data (spec §4.5 screenshot step 3).
func parseIHDR(data []byte) (width, height uint32, err error) {
	if len(data) < 8+8+13 || [8]byte(data[:8]) != pngSignature {
		return 0, 0, adberr.Frame("parse_ihdr", "not a PNG file", nil)
	}
	chunkLen := binary.BigEndian.Uint32(data[8:12])
	chunkType := string(data[12:16])
	if chunkType != "IHDR" || chunkLen < 13 {
		return 0, 0, adberr.Frame("parse_ihdr", "first chunk is not IHDR", nil)
	}
	body := data[16 : 16+13]
	width = binary.BigEndian.Uint32(body[0:4])
	height = binary.BigEndian.Uint32(body[4:8])
	return width, height, nil
}
