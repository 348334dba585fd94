package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/partition"
	"github.com/hyperjump/mirip/internal/vector"
)

// MemoryStore is a RecordStore kept entirely in memory with brute-force search.
// It backs pipeline tests and the "memory" storage driver; nothing is persisted.
type MemoryStore struct {
	dimension   int
	metric      vector.Metric
	mu          sync.RWMutex
	nextID      int64
	order       []string
	collections map[string][]*memRecord
}

type memRecord struct {
	rec       models.ImageRecord
	embedding []float32
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(dimension int, metric vector.Metric) *MemoryStore {
	if metric == "" {
		metric = vector.MetricL2
	}
	return &MemoryStore{
		dimension:   dimension,
		metric:      metric,
		collections: make(map[string][]*memRecord),
	}
}

func (m *MemoryStore) Dimensions() int { return m.dimension }

func (m *MemoryStore) EnsureCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		m.collections[name] = nil
		m.order = append(m.order, name)
	}
	return nil
}

func (m *MemoryStore) HasCollection(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.collections[name]
	return ok, nil
}

func (m *MemoryStore) DropCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		return nil
	}
	delete(m.collections, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryStore) Insert(_ context.Context, collection string, records []*models.ImageRecord) error {
	for _, r := range records {
		if len(r.Embedding) != m.dimension {
			return fmt.Errorf("embedding dimension mismatch for %s: got %d, expected %d", r.UUID, len(r.Embedding), m.dimension)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection]; !ok {
		return models.ErrCollectionNotFound
	}
	now := time.Now()
	for _, r := range records {
		m.nextID++
		r.ID = m.nextID
		r.CreatedAt = now
		emb := make([]float32, len(r.Embedding))
		copy(emb, r.Embedding)
		stored := *r
		stored.Embedding = nil
		stored.Meta = copyMeta(r.Meta)
		m.collections[collection] = append(m.collections[collection], &memRecord{rec: stored, embedding: emb})
	}
	return nil
}

func (m *MemoryStore) Search(ctx context.Context, collection string, query []float32, topK int, group string) ([]*models.SearchHit, error) {
	if len(query) != m.dimension {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimension)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs, ok := m.collections[collection]
	if !ok {
		return nil, models.ErrCollectionNotFound
	}
	if topK <= 0 {
		return nil, nil
	}
	scope := partition.Scope{Collection: collection, Group: group}
	hits := make([]*models.SearchHit, 0, len(recs))
	for _, r := range recs {
		if !scope.Matches(r.rec.Meta.Group()) {
			continue
		}
		hits = append(hits, &models.SearchHit{
			ID:       r.rec.ID,
			UUID:     r.rec.UUID,
			Distance: m.metric.Distance(query, r.embedding),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *MemoryStore) Delete(_ context.Context, collection, uuid, group string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	scope := partition.Scope{Collection: collection, Group: group}
	recs := m.collections[collection]
	kept := recs[:0]
	var n int64
	for _, r := range recs {
		if r.rec.UUID == uuid && scope.Matches(r.rec.Meta.Group()) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	if _, ok := m.collections[collection]; ok {
		m.collections[collection] = kept
	}
	return n, nil
}

func (m *MemoryStore) Count(_ context.Context, collection string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs, ok := m.collections[collection]
	if !ok {
		return 0, models.ErrCollectionNotFound
	}
	return int64(len(recs)), nil
}

func (m *MemoryStore) FindByHash(_ context.Context, collection, hash, group string) ([]*models.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	recs, ok := m.collections[collection]
	if !ok {
		return nil, models.ErrCollectionNotFound
	}
	scope := partition.Scope{Collection: collection, Group: group}
	var out []*models.ImageRecord
	for _, r := range recs {
		if r.rec.ContentHash == hash && scope.Matches(r.rec.Meta.Group()) {
			out = append(out, r.snapshot())
		}
	}
	return out, nil
}

func (m *MemoryStore) GetByUUID(_ context.Context, collection, uuid string) (*models.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.collections[collection] {
		if r.rec.UUID == uuid {
			return r.snapshot(), nil
		}
	}
	return nil, fmt.Errorf("image %s: %w", uuid, models.ErrNotFound)
}

func (m *MemoryStore) GetByIDs(_ context.Context, collection string, ids []int64) ([]*models.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID := make(map[int64]*memRecord)
	for _, r := range m.collections[collection] {
		byID[r.rec.ID] = r
	}
	var out []*models.ImageRecord
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r.snapshot())
		}
	}
	return out, nil
}

func (m *MemoryStore) ListRecords(_ context.Context, collection, group string, offset, limit int) ([]*models.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	scope := partition.Scope{Collection: collection, Group: group}
	var out []*models.ImageRecord
	skipped := 0
	for _, r := range m.collections[collection] {
		if !scope.Matches(r.rec.Meta.Group()) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, r.snapshot())
	}
	return out, nil
}

func (m *MemoryStore) ListGroups(_ context.Context, collection string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]struct{})
	var groups []string
	for _, r := range m.collections[collection] {
		g := r.rec.Meta.Group()
		if g == "" {
			continue
		}
		if _, ok := seen[g]; !ok {
			seen[g] = struct{}{}
			groups = append(groups, g)
		}
	}
	sort.Strings(groups)
	return groups, nil
}

func (m *MemoryStore) Stats(_ context.Context) ([]CollectionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]CollectionStats, 0, len(m.order))
	for _, name := range m.order {
		n := len(m.collections[name])
		stats = append(stats, CollectionStats{
			Name:           name,
			Records:        int64(n),
			Dimension:      m.dimension,
			Metric:         string(m.metric),
			IndexType:      string(vector.IndexTypeMemory),
			IndexedVectors: n,
		})
	}
	return stats, nil
}

func (m *MemoryStore) Close() error { return nil }

func (r *memRecord) snapshot() *models.ImageRecord {
	out := r.rec
	out.Meta = copyMeta(r.rec.Meta)
	return &out
}

func copyMeta(m models.Meta) models.Meta {
	if m == nil {
		return nil
	}
	out := make(models.Meta, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ RecordStore = (*MemoryStore)(nil)
