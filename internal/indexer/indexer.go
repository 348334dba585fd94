// Package indexer ingests images into the catalog: identity resolution, embedding extraction,
// normalization and insertion into the record store.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hyperjump/mirip/internal/embedding"
	"github.com/hyperjump/mirip/internal/identity"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/partition"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/vector"
	"github.com/hyperjump/mirip/pkg/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ImageExtensions are the file extensions picked up by directory loads and the inbox watcher.
var ImageExtensions = []string{".png", ".jpg", ".jpeg", ".webp"}

// DefaultLoadWorkers bounds concurrent ingestions during a directory load.
const DefaultLoadWorkers = 4

// Indexer runs the ingestion pipeline against a record store.
type Indexer struct {
	store    storage.RecordStore
	embedder embedding.Embedder
	policy   *partition.Policy
	resolver *identity.Resolver
	locks    *identity.KeyedMutex // nil when strict dedup is off
	newID    func() string
	workers  int
	logger   *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets a logger for debug output (image ingested, duplicate hit, delete).
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithStrictDedup serializes check-then-insert per (collection, group, hash) so concurrent
// uploads of the same content cannot both insert.
func WithStrictDedup(strict bool) IndexerOption {
	return func(idx *Indexer) {
		if strict {
			idx.locks = identity.NewKeyedMutex()
		} else {
			idx.locks = nil
		}
	}
}

// WithLoadWorkers sets the concurrency of LoadDirectory.
func WithLoadWorkers(n int) IndexerOption {
	return func(idx *Indexer) {
		if n > 0 {
			idx.workers = n
		}
	}
}

// WithIDGenerator replaces the uuid generator used for new records.
func WithIDGenerator(gen func() string) IndexerOption {
	return func(idx *Indexer) { idx.newID = gen }
}

// NewIndexer creates an indexer. Strict dedup is on unless disabled with WithStrictDedup(false).
func NewIndexer(store storage.RecordStore, embedder embedding.Embedder, policy *partition.Policy, opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		store:    store,
		embedder: embedder,
		policy:   policy,
		locks:    identity.NewKeyedMutex(),
		workers:  DefaultLoadWorkers,
	}
	if idx.policy == nil {
		idx.policy = partition.NewPolicy("")
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.logger = utils.OrNop(idx.logger)
	resolverOpts := []identity.ResolverOption{identity.WithLogger(idx.logger)}
	if idx.newID != nil {
		resolverOpts = append(resolverOpts, identity.WithIDGenerator(idx.newID))
	}
	idx.resolver = identity.NewResolver(store, resolverOpts...)
	return idx
}

// Ingest stores one image. If the collection already holds a record with the same content hash
// (within the group, when one is given) the existing records are returned with Duplicate set and
// no embedding is extracted. Otherwise the image is embedded, normalized and inserted under a new uuid.
func (idx *Indexer) Ingest(ctx context.Context, in *models.IngestInput) (*models.IngestResult, error) {
	if in == nil || in.Path == "" {
		return nil, fmt.Errorf("%w: image path is required", models.ErrInvalidInput)
	}
	scope, err := idx.policy.Scope(in.Collection, in.Group)
	if err != nil {
		return nil, err
	}

	hash := idx.resolver.Hash(in.Path)
	if idx.locks != nil && hash != "" {
		unlock, err := idx.locks.Lock(ctx, identity.DedupKey(scope.Collection, scope.Group, hash))
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	res, err := idx.resolver.ResolveHash(ctx, hash, scope.Collection, scope.Group)
	if err != nil {
		return nil, err
	}
	if res.Duplicate {
		idx.logger.Debug("indexer duplicate image",
			zap.String("path", in.Path),
			zap.String("collection", scope.Collection),
			zap.String("uuid", res.UUID))
		return &models.IngestResult{Records: res.Existing, Duplicate: true}, nil
	}

	if err := idx.store.EnsureCollection(ctx, scope.Collection); err != nil {
		return nil, models.NewStoreError("ensure_collection", scope.Collection, "", err)
	}
	raw, err := idx.embedder.Embed(ctx, in.Path)
	if err != nil {
		var ee *models.ExtractionError
		if errors.As(err, &ee) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, &models.ExtractionError{Path: in.Path, Err: err}
	}

	rec := &models.ImageRecord{
		UUID:        res.UUID,
		ContentHash: res.ContentHash,
		Embedding:   vector.Normalize(raw, idx.store.Dimensions()),
		Meta:        buildMeta(in.Path, scope.Group, in.Extra),
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := idx.store.Insert(ctx, scope.Collection, []*models.ImageRecord{rec}); err != nil {
		return nil, models.NewStoreError("insert", scope.Collection, rec.UUID, err)
	}
	idx.logger.Debug("indexer image ingested",
		zap.String("path", in.Path),
		zap.String("collection", scope.Collection),
		zap.String("group", scope.Group),
		zap.String("uuid", rec.UUID),
		zap.Int64("id", rec.ID))
	return &models.IngestResult{Records: []*models.ImageRecord{rec}}, nil
}

func buildMeta(path, group string, extra interface{}) models.Meta {
	meta := models.Meta{
		models.MetaPath: path,
		models.MetaExt:  strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")),
	}
	if group != "" {
		meta[models.MetaGroup] = group
	}
	if extra != nil {
		meta[models.MetaExtra] = extra
	}
	return meta
}

// LoadDirectory ingests every image file directly inside dir (no recursion) into collection and
// group. Per-file failures are recorded in the report and do not stop the load; the returned
// error is only set when dir cannot be read or ctx is cancelled.
func (idx *Indexer) LoadDirectory(ctx context.Context, dir, collection, group string) (*models.LoadReport, error) {
	if _, err := idx.policy.Scope(collection, group); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !extensionAllowed(filepath.Ext(e.Name()), ImageExtensions) {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}

	report := &models.LoadReport{Total: len(paths), Errors: make(map[string]string)}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.workers)
	for _, p := range paths {
		p := p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := idx.Ingest(gctx, &models.IngestInput{Collection: collection, Path: p, Group: group})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil && gctx.Err() != nil:
				return gctx.Err()
			case err != nil:
				report.Failed++
				report.Errors[p] = err.Error()
				idx.logger.Warn("indexer load failed", zap.String("path", p), zap.Error(err))
			case res.Duplicate:
				report.Duplicates++
			default:
				report.Inserted++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	if len(report.Errors) == 0 {
		report.Errors = nil
	}
	idx.logger.Info("directory loaded",
		zap.String("dir", dir),
		zap.Int("total", report.Total),
		zap.Int("inserted", report.Inserted),
		zap.Int("duplicates", report.Duplicates),
		zap.Int("failed", report.Failed))
	return report, nil
}

// Delete removes every record with uuid from collection, restricted to group when non-empty.
// Deleting an unknown uuid is not an error.
func (idx *Indexer) Delete(ctx context.Context, collection, uuid, group string) (int64, error) {
	scope, err := idx.policy.Scope(collection, group)
	if err != nil {
		return 0, err
	}
	if uuid == "" {
		return 0, fmt.Errorf("%w: uuid is required", models.ErrInvalidInput)
	}
	n, err := idx.store.Delete(ctx, scope.Collection, uuid, scope.Group)
	if err != nil {
		return 0, models.NewStoreError("delete", scope.Collection, uuid, err)
	}
	idx.logger.Debug("indexer image deleted", zap.String("collection", scope.Collection), zap.String("uuid", uuid), zap.Int64("removed", n))
	return n, nil
}

// Drop deletes the collection and reports whether it existed.
func (idx *Indexer) Drop(ctx context.Context, collection string) (bool, error) {
	name, err := idx.policy.Collection(collection)
	if err != nil {
		return false, err
	}
	ok, err := idx.store.HasCollection(ctx, name)
	if err != nil {
		return false, models.NewStoreError("has_collection", name, "", err)
	}
	if !ok {
		return false, nil
	}
	if err := idx.store.DropCollection(ctx, name); err != nil {
		return false, models.NewStoreError("drop_collection", name, "", err)
	}
	idx.logger.Info("collection dropped", zap.String("collection", name))
	return true, nil
}

// Count returns the number of records in collection, or nil when it does not exist.
func (idx *Indexer) Count(ctx context.Context, collection string) (*int64, error) {
	name, err := idx.policy.Collection(collection)
	if err != nil {
		return nil, err
	}
	n, err := idx.store.Count(ctx, name)
	if errors.Is(err, models.ErrCollectionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewStoreError("count", name, "", err)
	}
	return &n, nil
}

// Policy returns the collection policy the indexer resolves names with.
func (idx *Indexer) Policy() *partition.Policy {
	return idx.policy
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}

// IsImage reports whether path has one of ImageExtensions (case-insensitive).
func IsImage(path string) bool {
	return extensionAllowed(filepath.Ext(path), ImageExtensions)
}
