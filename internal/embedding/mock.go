package embedding

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"os"
	"sync/atomic"

	"github.com/hyperjump/mirip/internal/models"
)

// DefaultMockDimensions matches the native output of an EfficientNet-B2 feature extractor.
const DefaultMockDimensions = 1408

// MockEmbedder is a deterministic embedder for tests. The vector is derived from the file bytes,
// so identical content always gets the same embedding and the file never has to be a valid image.
type MockEmbedder struct {
	dimensions int
	calls      atomic.Int64
}

// NewMockEmbedder returns an embedder that produces deterministic embeddings of the given dimensions.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultMockDimensions
	}
	return &MockEmbedder{dimensions: dimensions}
}

// Embed returns a deterministic embedding based on the file content.
func (e *MockEmbedder) Embed(ctx context.Context, path string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &models.ExtractionError{Path: path, Err: err}
	}
	if len(data) == 0 {
		return nil, &models.ExtractionError{Path: path, Err: errors.New("empty image")}
	}
	e.calls.Add(1)

	h := fnv.New64a()
	_, _ = h.Write(data)
	seed := float64(h.Sum64()%1000003) + 1
	emb := make([]float32, e.dimensions)
	for i := range emb {
		emb[i] = float32(math.Sin(seed*float64(i+1)*0.001) + 0.01)
	}
	return emb, nil
}

// Calls returns how many successful extractions ran.
func (e *MockEmbedder) Calls() int64 {
	return e.calls.Load()
}

// Dimensions returns the embedding dimension.
func (e *MockEmbedder) Dimensions() int {
	return e.dimensions
}

// Close is a no-op for MockEmbedder.
func (e *MockEmbedder) Close() error {
	return nil
}
