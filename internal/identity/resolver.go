package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/pkg/utils"
	"go.uber.org/zap"
)

// HashFinder looks up records by content hash within a collection, scoped by group when non-empty.
type HashFinder interface {
	FindByHash(ctx context.Context, collection, hash, group string) ([]*models.ImageRecord, error)
}

// Resolution is the identity decision for one source image.
type Resolution struct {
	UUID        string
	ContentHash string
	// Meta is the stored meta of the first match on the duplicate path.
	Meta      models.Meta
	Existing  []*models.ImageRecord
	Duplicate bool
}

// Resolver decides whether an image is new or a duplicate of a stored record.
type Resolver struct {
	finder HashFinder
	newID  func() string
	logger *zap.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets a logger for degraded-path warnings and duplicate hits.
func WithLogger(l *zap.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithIDGenerator replaces the uuid generator (tests).
func WithIDGenerator(gen func() string) ResolverOption {
	return func(r *Resolver) { r.newID = gen }
}

// NewResolver creates a resolver backed by finder.
func NewResolver(finder HashFinder, opts ...ResolverOption) *Resolver {
	r := &Resolver{finder: finder, newID: uuid.NewString}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = utils.OrNop(r.logger)
	return r
}

// Resolve hashes the file at path and looks for an existing record with the same hash in
// (collection, group). An unreadable file yields an empty hash and is always treated as new.
// A failed store lookup is returned as a *models.StoreError.
func (r *Resolver) Resolve(ctx context.Context, path, collection, group string) (*Resolution, error) {
	return r.ResolveHash(ctx, r.Hash(path), collection, group)
}

// Hash returns the content hash of path, or "" with a warning when the file cannot be read.
func (r *Resolver) Hash(path string) string {
	hash, err := ContentHash(path)
	if err != nil {
		r.logger.Warn("content hash failed, ingesting as new", zap.String("path", path), zap.Error(err))
		return ""
	}
	return hash
}

// ResolveHash is Resolve for an already computed hash.
func (r *Resolver) ResolveHash(ctx context.Context, hash, collection, group string) (*Resolution, error) {
	if hash == "" {
		return &Resolution{UUID: r.newID()}, nil
	}
	matches, err := r.finder.FindByHash(ctx, collection, hash, group)
	if err != nil && !errors.Is(err, models.ErrCollectionNotFound) {
		return nil, models.NewStoreError("find_by_hash", collection, hash, err)
	}
	if len(matches) > 0 {
		first := matches[0]
		r.logger.Debug("duplicate content",
			zap.String("collection", collection),
			zap.String("group", group),
			zap.String("md5", hash),
			zap.String("uuid", first.UUID),
			zap.Int("matches", len(matches)))
		return &Resolution{
			UUID:        first.UUID,
			ContentHash: hash,
			Meta:        first.Meta,
			Existing:    matches,
			Duplicate:   true,
		}, nil
	}
	return &Resolution{UUID: r.newID(), ContentHash: hash}, nil
}
