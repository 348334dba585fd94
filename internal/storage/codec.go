package storage

import (
	"encoding/binary"
	"fmt"
	"math"
)

// encodeVector packs a vector as little-endian float32 values.
func encodeVector(s []float32) []byte {
	const size = 4
	out := make([]byte, len(s)*size)
	for i, v := range s {
		binary.LittleEndian.PutUint32(out[i*size:(i+1)*size], math.Float32bits(v))
	}
	return out
}

func decodeVector(b []byte, dim int) ([]float32, error) {
	const size = 4
	if len(b) != dim*size {
		return nil, fmt.Errorf("embedding blob has %d bytes, expected %d", len(b), dim*size)
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*size : (i+1)*size]))
	}
	return out, nil
}
