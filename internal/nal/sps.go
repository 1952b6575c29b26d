package nal

// bitReader is a minimal MSB-first bit cursor over an RBSP byte slice.
type bitReader struct {
	b []byte
	i int // bit index
}

func (br *bitReader) u(n int) (uint, bool) {
	if n <= 0 {
		return 0, true
	}
	var v uint
	for k := 0; k < n; k++ {
		byteIndex := br.i / 8
		if byteIndex >= len(br.b) {
			return 0, false
		}
		bitIndex := 7 - (br.i % 8)
		bit := (br.b[byteIndex] >> uint(bitIndex)) & 1
		v = (v << 1) | uint(bit)
		br.i++
	}
	return v, true
}

func (br *bitReader) skip(n int) bool {
	_, ok := br.u(n)
	return ok
}

// ue reads an Exp-Golomb unsigned-coded value.
func (br *bitReader) ue() (uint, bool) {
	var leadingZeros int
	for {
		b, ok := br.u(1)
		if !ok {
			return 0, false
		}
		if b == 0 {
			leadingZeros++
		} else {
			break
		}
	}
	if leadingZeros == 0 {
		return 0, true
	}
	val, ok := br.u(leadingZeros)
	if !ok {
		return 0, false
	}
	return (1 << leadingZeros) - 1 + val, true
}

// se reads an Exp-Golomb signed-coded value.
func (br *bitReader) se() (int, bool) {
	uev, ok := br.ue()
	if !ok {
		return 0, false
	}
	k := int(uev)
	if k%2 == 0 {
		return -k / 2, true
	}
	return (k + 1) / 2, true
}

// ParseSPSDimensions extracts width/height from an H.264 SPS NAL unit
// (the minimal subset of the SPS grammar needed for that: profile,
// chroma format, pic size in MBs, and frame cropping). It does not
// attempt a full decode — decoding pixels is out of scope.
func ParseSPSDimensions(nal []byte) (w, h uint16, ok bool) {
	if len(nal) < 4 || (nal[0]&0x1F) != uint8(TypeSPS) {
		return
	}
	rbsp := stripEmulationPrevention(nal[1:])
	br := bitReader{b: rbsp}

	// profile_idc, constraint_flags, level_idc
	if !br.skip(8 + 8 + 8) {
		return
	}
	if _, k := br.ue(); !k { // seq_parameter_set_id
		return
	}

	var chromaFormatIDC uint = 1
	profileIDC := rbsp[0]
	if isHighProfile(profileIDC) {
		if v, k := br.ue(); !k {
			return
		} else {
			chromaFormatIDC = v
		}
		if chromaFormatIDC == 3 {
			if _, k := br.u(1); !k { // separate_colour_plane_flag
				return
			}
		}
		if _, k := br.ue(); !k { // bit_depth_luma_minus8
			return
		}
		if _, k := br.ue(); !k { // bit_depth_chroma_minus8
			return
		}
		if !br.skip(1) { // qpprime_y_zero_transform_bypass_flag
			return
		}
		f, k := br.u(1) // seq_scaling_matrix_present_flag
		if !k {
			return
		}
		if f == 1 && !skipScalingLists(&br, chromaFormatIDC) {
			return
		}
	}

	if _, k := br.ue(); !k { // log2_max_frame_num_minus4
		return
	}
	pct, k := br.ue() // pic_order_cnt_type
	if !k {
		return
	}
	if pct == 0 {
		if _, k = br.ue(); !k { // log2_max_pic_order_cnt_lsb_minus4
			return
		}
	} else if pct == 1 {
		if !br.skip(1) {
			return
		}
		if _, k = br.se(); !k {
			return
		}
		if _, k = br.se(); !k {
			return
		}
		n, k2 := br.ue()
		if !k2 {
			return
		}
		for i := uint(0); i < n; i++ {
			if _, k = br.se(); !k {
				return
			}
		}
	}

	if _, k = br.ue(); !k { // num_ref_frames
		return
	}
	if !br.skip(1) { // gaps_in_frame_num_value_allowed_flag
		return
	}

	picWidthMinus1, k := br.ue()
	if !k {
		return
	}
	picHeightMinus1, k := br.ue()
	if !k {
		return
	}
	frameMbsOnlyFlag, k := br.u(1)
	if !k {
		return
	}
	if frameMbsOnlyFlag == 0 && !br.skip(1) { // mb_adaptive_frame_field_flag
		return
	}
	if !br.skip(1) { // direct_8x8_inference_flag
		return
	}

	var cropLeft, cropRight, cropTop, cropBottom uint
	cropFlag, k := br.u(1)
	if !k {
		return
	}
	if cropFlag == 1 {
		if cropLeft, k = br.ue(); !k {
			return
		}
		if cropRight, k = br.ue(); !k {
			return
		}
		if cropTop, k = br.ue(); !k {
			return
		}
		if cropBottom, k = br.ue(); !k {
			return
		}
	}

	mbWidth := picWidthMinus1 + 1
	mbHeight := (picHeightMinus1 + 1) * (2 - frameMbsOnlyFlag)

	subW, subH := chromaSubsampling(chromaFormatIDC)
	cropUnitX := subW
	cropUnitY := subH * (2 - frameMbsOnlyFlag)

	width := int(mbWidth*16) - int((cropLeft+cropRight)*cropUnitX)
	height := int(mbHeight*16) - int((cropTop+cropBottom)*cropUnitY)
	if width <= 0 || height <= 0 || width > 65535 || height > 65535 {
		return
	}
	return uint16(width), uint16(height), true
}

func isHighProfile(profileIDC byte) bool {
	switch profileIDC {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	default:
		return false
	}
}

func chromaSubsampling(chromaFormatIDC uint) (w, h uint) {
	switch chromaFormatIDC {
	case 0:
		return 1, 1
	case 1:
		return 2, 2
	case 2:
		return 2, 1
	default: // 3: 4:4:4
		return 1, 1
	}
}

func skipScalingLists(br *bitReader, chromaFormatIDC uint) bool {
	n := 8
	if chromaFormatIDC == 3 {
		n = 12
	}
	for i := 0; i < n; i++ {
		present, ok := br.u(1)
		if !ok {
			return false
		}
		if present != 1 {
			continue
		}
		size := 16
		if i >= 6 {
			size = 64
		}
		lastScale, nextScale := 8, 8
		for j := 0; j < size; j++ {
			if nextScale != 0 {
				delta, ok := br.se()
				if !ok {
					return false
				}
				nextScale = (lastScale + delta + 256) % 256
			}
			if nextScale != 0 {
				lastScale = nextScale
			}
		}
	}
	return true
}

// stripEmulationPrevention removes the 0x03 emulation-prevention byte
// that follows any 00 00 sequence inside a NAL's RBSP.
func stripEmulationPrevention(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if i+2 < len(b) && b[i] == 0 && b[i+1] == 0 && b[i+2] == 3 {
			out = append(out, 0, 0)
			i += 2
			continue
		}
		out = append(out, b[i])
	}
	return out
}
