package store

import (
	"encoding/binary"
	"math"

	"autosnippet/internal/types"
)

// EncodeVector packs an embedding into the little-endian float32 blob layout
// used by the semantic_chunks table (and by sqlite-vec, when compiled in).
func EncodeVector(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

// DecodeVector unpacks a stored embedding blob.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, types.E(types.CodeSchema, "embedding blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}
