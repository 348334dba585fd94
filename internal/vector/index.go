// Package vector provides vector indexes, distance metrics and embedding normalization.
package vector

import "context"

// VectorIndex defines vector storage and nearest-neighbor search.
// Implementations must be safe for concurrent use.
type VectorIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	// Search returns up to k results ordered by ascending distance. When filter is non-nil only
	// IDs for which it returns true are considered. Order among equal distances is unspecified.
	Search(ctx context.Context, query []float32, k int, filter Filter) ([]*VectorResult, error)
	// Remove drops the given IDs. Unknown IDs are ignored.
	Remove(ctx context.Context, ids []string) error
	Size() int
	Dimensions() int
	Type() string
	Close() error
}

// Filter reports whether the vector with the given ID may appear in results.
type Filter func(id string) bool

// VectorResult is a single vector search hit.
type VectorResult struct {
	ID       string
	Distance float64 // metric distance, lower is closer
}
