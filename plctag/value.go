package plctag

import (
	"encoding/binary"
	"math"
)

// decodeIntN interprets raw (1, 2, 4, or 8 little-endian bytes) as a signed
// integer, sign-extending from its natural width.
func decodeIntN(raw []byte) int64 {
	switch len(raw) {
	case 1:
		return int64(int8(raw[0]))
	case 2:
		return int64(int16(binary.LittleEndian.Uint16(raw)))
	case 4:
		return int64(int32(binary.LittleEndian.Uint32(raw)))
	case 8:
		return int64(binary.LittleEndian.Uint64(raw))
	default:
		return 0
	}
}

// encodeIntN writes value into raw as a little-endian integer of raw's width,
// truncating silently the way a PLC's own typed write would reject at the
// wire layer rather than here.
func encodeIntN(raw []byte, value int64) {
	switch len(raw) {
	case 1:
		raw[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(raw, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(raw, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(raw, uint64(value))
	}
}

func decodeFloat32(raw []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(raw))
}

func encodeFloat32(raw []byte, value float32) {
	binary.LittleEndian.PutUint32(raw, math.Float32bits(value))
}
