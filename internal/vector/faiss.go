//go:build faiss && cgo
// +build faiss,cgo

package vector

/*
#cgo CFLAGS: -I/opt/homebrew/include -I/usr/local/include
#cgo LDFLAGS: -L/opt/homebrew/lib -L/usr/local/lib -lfaiss_c

#include <stdlib.h>
#include <faiss/c_api/Index_c.h>
#include <faiss/c_api/IndexFlat_c.h>
#include <faiss/c_api/error_c.h>
*/
import "C"

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

// FAISSIndex is a vector index backed by a FAISS flat index: IndexFlatL2 for MetricL2 and
// IndexFlatIP over unit vectors for MetricCosine. Removal only drops the ID mapping; removed
// vectors stay in the FAISS index and are skipped at search time.
type FAISSIndex struct {
	index      *C.FaissIndex
	dimensions int
	metric     Metric
	idToIntID  map[string]int64 // string ID -> FAISS internal int64 ID
	intIDToID  map[int64]string // FAISS internal int64 ID -> string ID
	nextID     int64
	mu         sync.RWMutex
}

// NewFAISSIndex creates a flat FAISS index with the given dimension and metric.
func NewFAISSIndex(dimensions int, metric Metric) (*FAISSIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	if metric == "" {
		metric = MetricL2
	}

	var index *C.FaissIndex
	switch metric {
	case MetricL2:
		var flat *C.FaissIndexFlatL2
		if ret := C.faiss_IndexFlatL2_new_with(&flat, C.idx_t(dimensions)); ret != 0 {
			return nil, fmt.Errorf("failed to create FAISS index: %s", faissLastError())
		}
		index = (*C.FaissIndex)(unsafe.Pointer(flat))
	case MetricCosine:
		var flat *C.FaissIndexFlatIP
		if ret := C.faiss_IndexFlatIP_new_with(&flat, C.idx_t(dimensions)); ret != 0 {
			return nil, fmt.Errorf("failed to create FAISS index: %s", faissLastError())
		}
		index = (*C.FaissIndex)(unsafe.Pointer(flat))
	default:
		return nil, fmt.Errorf("unsupported metric for FAISS: %s", metric)
	}

	return &FAISSIndex{
		index:      index,
		dimensions: dimensions,
		metric:     metric,
		idToIntID:  make(map[string]int64),
		intIDToID:  make(map[int64]string),
	}, nil
}

func faissLastError() string {
	cErr := C.faiss_get_last_error()
	if cErr == nil {
		return "unknown error"
	}
	return C.GoString(cErr)
}

// Add appends vectors with the given IDs.
func (f *FAISSIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	if len(ids) == 0 {
		return nil
	}

	n := len(vectors)
	flat := make([]float32, n*f.dimensions)
	for i, vec := range vectors {
		if len(vec) != f.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vec), f.dimensions)
		}
		row := flat[i*f.dimensions : (i+1)*f.dimensions]
		copy(row, vec)
		if f.metric == MetricCosine {
			unitInPlace(row)
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	ret := C.faiss_Index_add(f.index, C.idx_t(n), (*C.float)(unsafe.Pointer(&flat[0])))
	if ret != 0 {
		return fmt.Errorf("failed to add vectors to FAISS index: %s", faissLastError())
	}
	for _, id := range ids {
		f.idToIntID[id] = f.nextID
		f.intIDToID[f.nextID] = id
		f.nextID++
	}
	return nil
}

// Search returns the k nearest live vectors accepted by filter, closest first.
func (f *FAISSIndex) Search(ctx context.Context, query []float32, k int, filter Filter) ([]*VectorResult, error) {
	if len(query) != f.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), f.dimensions)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if k <= 0 {
		return nil, nil
	}
	ntotal := int(C.faiss_Index_ntotal(f.index))
	if ntotal == 0 {
		return nil, nil
	}

	// Removed and filtered-out vectors still occupy FAISS slots, so widen the request.
	want := k + (ntotal - len(f.intIDToID))
	if filter != nil {
		want = ntotal
	}
	if want > ntotal {
		want = ntotal
	}

	q := make([]float32, len(query))
	copy(q, query)
	if f.metric == MetricCosine {
		unitInPlace(q)
	}

	distances := make([]float32, want)
	labels := make([]int64, want)
	ret := C.faiss_Index_search(
		f.index,
		1,
		(*C.float)(unsafe.Pointer(&q[0])),
		C.idx_t(want),
		(*C.float)(unsafe.Pointer(&distances[0])),
		(*C.idx_t)(unsafe.Pointer(&labels[0])),
	)
	if ret != 0 {
		return nil, fmt.Errorf("FAISS search failed: %s", faissLastError())
	}

	results := make([]*VectorResult, 0, k)
	for i := 0; i < want && len(results) < k; i++ {
		if labels[i] < 0 {
			continue
		}
		id, ok := f.intIDToID[labels[i]]
		if !ok {
			continue
		}
		if filter != nil && !filter(id) {
			continue
		}
		d := float64(distances[i])
		if f.metric == MetricCosine {
			d = 1 - d
		}
		results = append(results, &VectorResult{ID: id, Distance: d})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	return results, nil
}

// Remove drops the ID mappings for ids.
func (f *FAISSIndex) Remove(ctx context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		if intID, ok := f.idToIntID[id]; ok {
			delete(f.intIDToID, intID)
			delete(f.idToIntID, id)
		}
	}
	return nil
}

// Size returns the number of live vectors.
func (f *FAISSIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.idToIntID)
}

// Dimensions returns the vector dimension.
func (f *FAISSIndex) Dimensions() int {
	return f.dimensions
}

// Close frees the FAISS index resources.
func (f *FAISSIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.index != nil {
		C.faiss_Index_free(f.index)
		f.index = nil
	}
	return nil
}

// Type returns the index type identifier.
func (f *FAISSIndex) Type() string {
	return string(IndexTypeFAISS)
}

func unitInPlace(x []float32) {
	n := L2Norm(x)
	if n == 0 {
		return
	}
	for i := range x {
		x[i] = float32(float64(x[i]) / n)
	}
}
