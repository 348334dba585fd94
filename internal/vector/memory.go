package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryIndex is an in-memory vector index using brute-force distance computation.
// Exact results; suitable for catalogs up to a few hundred thousand vectors.
type MemoryIndex struct {
	dimensions int
	metric     Metric
	ids        []string
	vectors    [][]float32
	mu         sync.RWMutex
}

// NewMemoryIndex creates an in-memory vector index with the given dimension and metric.
func NewMemoryIndex(dimensions int, metric Metric) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if metric == "" {
		metric = MetricL2
	}
	return &MemoryIndex{
		dimensions: dimensions,
		metric:     metric,
		ids:        make([]string, 0),
		vectors:    make([][]float32, 0),
	}, nil
}

// Type returns the index type identifier.
func (m *MemoryIndex) Type() string {
	return string(IndexTypeMemory)
}

// Dimensions returns the vector dimension.
func (m *MemoryIndex) Dimensions() int {
	return m.dimensions
}

// Add appends vectors with the given IDs. Either all vectors are added or none.
func (m *MemoryIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	for _, vec := range vectors {
		if len(vec) != m.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vec), m.dimensions)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		vec := make([]float32, m.dimensions)
		copy(vec, vectors[i])
		m.ids = append(m.ids, id)
		m.vectors = append(m.vectors, vec)
	}
	return nil
}

// Search returns the k nearest vectors accepted by filter, closest first.
// Ties keep insertion order.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]*VectorResult, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	scores := make([]*VectorResult, 0, len(m.ids))
	for i, vec := range m.vectors {
		if filter != nil && !filter(m.ids[i]) {
			continue
		}
		scores = append(scores, &VectorResult{ID: m.ids[i], Distance: m.metric.Distance(query, vec)})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Distance < scores[j].Distance })
	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k], nil
}

// Remove removes vectors by ID by rebuilding the slices without them.
func (m *MemoryIndex) Remove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	removeSet := make(map[string]bool, len(ids))
	for _, id := range ids {
		removeSet[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	newIDs := make([]string, 0, len(m.ids))
	newVectors := make([][]float32, 0, len(m.vectors))
	for i, id := range m.ids {
		if !removeSet[id] {
			newIDs = append(newIDs, id)
			newVectors = append(newVectors, m.vectors[i])
		}
	}
	m.ids = newIDs
	m.vectors = newVectors
	return nil
}

// Size returns the number of vectors in the index.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids)
}

// Close is a no-op for MemoryIndex.
func (m *MemoryIndex) Close() error {
	return nil
}
