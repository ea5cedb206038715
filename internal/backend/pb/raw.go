package pb

import (
	"encoding/binary"
	"math"
)

// splitRawBytes decodes a raw BYTES buffer: each element is a 4-byte
// little-endian length followed by that many bytes.
func splitRawBytes(raw []byte) [][]byte {
	var out [][]byte
	for len(raw) >= 4 {
		n := binary.LittleEndian.Uint32(raw[:4])
		raw = raw[4:]
		if uint32(len(raw)) < n {
			break
		}
		out = append(out, append([]byte(nil), raw[:n]...))
		raw = raw[n:]
	}

	return out
}

// splitRawInts decodes a raw INT32 or INT64 buffer into int64 elements.
func splitRawInts(raw []byte, datatype string) []int64 {
	var out []int64

	switch datatype {
	case "INT64":
		for len(raw) >= 8 {
			out = append(out, int64(binary.LittleEndian.Uint64(raw[:8])))
			raw = raw[8:]
		}
	default: // INT32
		for len(raw) >= 4 {
			out = append(out, int64(int32(binary.LittleEndian.Uint32(raw[:4]))))
			raw = raw[4:]
		}
	}

	return out
}

// splitRawFloats decodes a raw FP32 buffer.
func splitRawFloats(raw []byte) []float32 {
	var out []float32
	for len(raw) >= 4 {
		out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(raw[:4])))
		raw = raw[4:]
	}

	return out
}
