// Package storage defines the record store contract for image records and its implementations.
package storage

import (
	"context"

	"github.com/hyperjump/mirip/internal/models"
)

// RecordStore is the vector-index contract the catalog relies on. Collections are created lazily;
// every group-scoped call additionally filters on meta.group when group is non-empty.
type RecordStore interface {
	// Collection lifecycle
	EnsureCollection(ctx context.Context, name string) error
	HasCollection(ctx context.Context, name string) (bool, error)
	DropCollection(ctx context.Context, name string) error

	// Insert appends records atomically and sets each record's ID.
	Insert(ctx context.Context, collection string, records []*models.ImageRecord) error
	// Search returns up to topK hits ordered by ascending distance.
	// A missing collection yields models.ErrCollectionNotFound.
	Search(ctx context.Context, collection string, query []float32, topK int, group string) ([]*models.SearchHit, error)
	// Delete removes every record with uuid (and group, if given). Returns the number removed;
	// a missing uuid or collection removes nothing and is not an error.
	Delete(ctx context.Context, collection, uuid, group string) (int64, error)
	// Count returns live records, or models.ErrCollectionNotFound.
	Count(ctx context.Context, collection string) (int64, error)

	// Lookups (records are returned without embeddings)
	FindByHash(ctx context.Context, collection, hash, group string) ([]*models.ImageRecord, error)
	GetByUUID(ctx context.Context, collection, uuid string) (*models.ImageRecord, error)
	GetByIDs(ctx context.Context, collection string, ids []int64) ([]*models.ImageRecord, error)
	ListRecords(ctx context.Context, collection, group string, offset, limit int) ([]*models.ImageRecord, error)
	ListGroups(ctx context.Context, collection string) ([]string, error)

	Stats(ctx context.Context) ([]CollectionStats, error)
	Dimensions() int
	Close() error
}

// CollectionStats describes one collection for status output.
type CollectionStats struct {
	Name           string `json:"name"`
	Records        int64  `json:"records"`
	Dimension      int    `json:"dimension"`
	Metric         string `json:"metric"`
	IndexType      string `json:"index_type"`
	IndexedVectors int    `json:"indexed_vectors"`
}
