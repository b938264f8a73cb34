// numeric.go - element-format conversion between the reduced-precision
// dtypes a tensor can carry and plain float32, for callers that need
// actual values rather than just bytes (e.g. cmd/tschedctl printing a
// sample of its output tensor).
package ml

import (
	"encoding/binary"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DecodeFloats reinterprets raw, a tensor's own bytes in dtype's storage
// format, as float32. Returns nil for dtypes this package doesn't know how
// to widen (the block-quantized formats, which pack several elements per
// block plus a scale and are numerics out of scope here).
func DecodeFloats(dtype DType, raw []byte) []float32 {
	switch dtype {
	case DTypeF32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out
	case DTypeI32:
		out := make([]float32, len(raw)/4)
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		return out
	case DTypeF16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out
	case DTypeBF16:
		return bfloat16.Decode(binary.LittleEndian, raw)
	default:
		return nil
	}
}

// EncodeFloats is DecodeFloats's inverse: it packs vals into dtype's
// storage format.
func EncodeFloats(dtype DType, vals []float32) []byte {
	switch dtype {
	case DTypeF32:
		out := make([]byte, len(vals)*4)
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
		return out
	case DTypeI32:
		out := make([]byte, len(vals)*4)
		for i, v := range vals {
			binary.LittleEndian.PutUint32(out[i*4:], uint32(int32(v)))
		}
		return out
	case DTypeF16:
		out := make([]byte, len(vals)*2)
		for i, v := range vals {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
		return out
	case DTypeBF16:
		return bfloat16.Encode(binary.LittleEndian, vals)
	default:
		return nil
	}
}
