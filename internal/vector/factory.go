package vector

import "fmt"

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory uses in-memory brute-force search. Exact; good for small and medium catalogs.
	IndexTypeMemory IndexType = "memory"
	// IndexTypeFAISS uses a FAISS flat index.
	// Requires FAISS library and build tag -tags=faiss.
	IndexTypeFAISS IndexType = "faiss"
)

// NewVectorIndex creates a vector index of the specified type.
// Supported types: "memory" (default), "faiss".
func NewVectorIndex(indexType string, dimensions int, metric Metric) (VectorIndex, error) {
	switch IndexType(indexType) {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions, metric)
	case IndexTypeFAISS:
		return NewFAISSIndex(dimensions, metric)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: memory, faiss)", indexType)
	}
}

// IsFAISSAvailable returns true if FAISS support is compiled in.
func IsFAISSAvailable() bool {
	idx, err := NewFAISSIndex(1, MetricL2)
	if err != nil {
		return false
	}
	_ = idx.Close()
	return true
}
