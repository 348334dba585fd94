package vector

import "github.com/hyperjump/mirip/pkg/utils"

// Normalize canonicalizes a raw embedding into a dim-length vector. The raw vector is scaled to
// unit L2 norm first (an all-zero vector stays all-zero), then right-padded with zeros or
// truncated to dim. raw is not modified.
//
// Truncation happens after scaling, so a truncated vector may have norm below 1.
func Normalize(raw []float32, dim int) []float32 {
	if dim < 0 {
		dim = 0
	}
	scaled := make([]float32, len(raw))
	copy(scaled, raw)
	utils.NormalizeL2(scaled)
	out := make([]float32, dim)
	copy(out, scaled)
	return out
}
