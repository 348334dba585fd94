// Package embedding turns images into raw feature vectors via ONNX Runtime, with a content-hash
// keyed cache and a deterministic fake for tests.
package embedding

import "context"

// Embedder produces a raw embedding for the image at path. The output length is the model's
// native dimension and is not normalized; callers pass it through vector.Normalize.
// Failures are reported as *models.ExtractionError.
type Embedder interface {
	Embed(ctx context.Context, path string) ([]float32, error)
	Dimensions() int
	Close() error
}
