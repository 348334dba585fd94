// Package search answers similarity queries and read-only catalog lookups.
package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/mirip/internal/embedding"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/partition"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/vector"
	"github.com/hyperjump/mirip/pkg/utils"
	"go.uber.org/zap"
)

// Engine runs image similarity search against a record store.
type Engine struct {
	store    storage.RecordStore
	embedder embedding.Embedder
	policy   *partition.Policy
	maxTopK  int
	logger   *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets a logger for per-query debug output.
func WithLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMaxTopK caps the number of hits a single query may request. Zero means no cap.
func WithMaxTopK(n int) EngineOption {
	return func(e *Engine) { e.maxTopK = n }
}

// NewEngine creates a search engine with the given dependencies.
func NewEngine(store storage.RecordStore, embedder embedding.Embedder, policy *partition.Policy, opts ...EngineOption) *Engine {
	e := &Engine{store: store, embedder: embedder, policy: policy}
	if e.policy == nil {
		e.policy = partition.NewPolicy("")
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = utils.OrNop(e.logger)
	return e
}

// Search embeds the query image and returns its nearest records in ascending distance, joined with
// their stored meta. A non-positive TopK or a missing collection yields an empty response without
// running inference.
func (e *Engine) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := time.Now()
	if q == nil {
		return nil, fmt.Errorf("%w: query is required", models.ErrInvalidInput)
	}
	scope, err := e.policy.Scope(q.Collection, q.Group)
	if err != nil {
		return nil, err
	}
	resp := &models.SearchResponse{
		Collection: scope.Collection,
		Group:      scope.Group,
		Hits:       []*models.SearchHit{},
	}
	topK := q.TopK
	if e.maxTopK > 0 && topK > e.maxTopK {
		topK = e.maxTopK
	}
	if topK <= 0 {
		return resp, nil
	}
	if q.Path == "" {
		return nil, fmt.Errorf("%w: query image path is required", models.ErrInvalidInput)
	}
	ok, err := e.store.HasCollection(ctx, scope.Collection)
	if err != nil {
		return nil, models.NewStoreError("has_collection", scope.Collection, "", err)
	}
	if !ok {
		resp.QueryTime = time.Since(start).Milliseconds()
		return resp, nil
	}

	raw, err := e.embedder.Embed(ctx, q.Path)
	if err != nil {
		var ee *models.ExtractionError
		if errors.As(err, &ee) || ctx.Err() != nil {
			return nil, err
		}
		return nil, &models.ExtractionError{Path: q.Path, Err: err}
	}
	query := vector.Normalize(raw, e.store.Dimensions())

	hits, err := e.store.Search(ctx, scope.Collection, query, topK, scope.Group)
	if errors.Is(err, models.ErrCollectionNotFound) {
		// dropped between the existence check and the search
		resp.QueryTime = time.Since(start).Milliseconds()
		return resp, nil
	}
	if err != nil {
		return nil, models.NewStoreError("search", scope.Collection, "", err)
	}
	if err := e.joinMeta(ctx, scope.Collection, hits); err != nil {
		return nil, err
	}
	resp.Hits = hits
	resp.QueryTime = time.Since(start).Milliseconds()
	e.logger.Debug("search done",
		zap.String("collection", scope.Collection),
		zap.String("group", scope.Group),
		zap.Int("top_k", topK),
		zap.Int("hits", len(hits)),
		zap.Int64("ms", resp.QueryTime))
	return resp, nil
}

// joinMeta attaches stored meta to hits and sets 1-based ranks, keeping the engine's order.
func (e *Engine) joinMeta(ctx context.Context, collection string, hits []*models.SearchHit) error {
	if len(hits) == 0 {
		return nil
	}
	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	records, err := e.store.GetByIDs(ctx, collection, ids)
	if err != nil {
		return models.NewStoreError("get_by_ids", collection, "", err)
	}
	byID := make(map[int64]*models.ImageRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	for i, h := range hits {
		h.Rank = i + 1
		if r, ok := byID[h.ID]; ok {
			h.Meta = r.Meta
			if h.UUID == "" {
				h.UUID = r.UUID
			}
		}
	}
	return nil
}

// Get returns the record with uuid, or an error wrapping models.ErrNotFound.
func (e *Engine) Get(ctx context.Context, collection, uuid string) (*models.ImageRecord, error) {
	name, err := e.policy.Collection(collection)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.GetByUUID(ctx, name, uuid)
	if errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, models.NewStoreError("get_by_uuid", name, uuid, err)
	}
	return rec, nil
}

// GetByIDs returns records by primary id in the requested order; unknown ids are skipped.
func (e *Engine) GetByIDs(ctx context.Context, collection string, ids []int64) ([]*models.ImageRecord, error) {
	name, err := e.policy.Collection(collection)
	if err != nil {
		return nil, err
	}
	records, err := e.store.GetByIDs(ctx, name, ids)
	if err != nil {
		return nil, models.NewStoreError("get_by_ids", name, "", err)
	}
	return records, nil
}

// List returns {id, uuid} pairs for the collection, restricted to group when non-empty.
func (e *Engine) List(ctx context.Context, collection, group string, offset, limit int) ([]models.ImageRef, error) {
	scope, err := e.policy.Scope(collection, group)
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	records, err := e.store.ListRecords(ctx, scope.Collection, scope.Group, offset, limit)
	if err != nil {
		return nil, models.NewStoreError("list", scope.Collection, "", err)
	}
	refs := make([]models.ImageRef, len(records))
	for i, r := range records {
		refs[i] = models.ImageRef{ID: r.ID, UUID: r.UUID}
	}
	return refs, nil
}

// Groups returns the distinct groups present in the collection.
func (e *Engine) Groups(ctx context.Context, collection string) ([]string, error) {
	name, err := e.policy.Collection(collection)
	if err != nil {
		return nil, err
	}
	groups, err := e.store.ListGroups(ctx, name)
	if err != nil {
		return nil, models.NewStoreError("list_groups", name, "", err)
	}
	if groups == nil {
		groups = []string{}
	}
	return groups, nil
}
