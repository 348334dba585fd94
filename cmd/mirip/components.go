package main

import (
	"context"
	"fmt"

	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/embedding"
	"github.com/hyperjump/mirip/internal/indexer"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/partition"
	"github.com/hyperjump/mirip/internal/search"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/upload"
	"github.com/hyperjump/mirip/internal/vector"
	"github.com/hyperjump/mirip/internal/watcher"
	"go.uber.org/zap"
)

// Components holds initialized services.
type Components struct {
	Store    storage.RecordStore
	Embedder embedding.Embedder
	Cached   *embedding.CachedEmbedder
	Policy   *partition.Policy
	Engine   *search.Engine
	Indexer  *indexer.Indexer
	Uploads  *upload.Dir
}

func (c *Components) Close() {
	if c.Store != nil {
		_ = c.Store.Close()
	}
	if c.Embedder != nil {
		_ = c.Embedder.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger) (*Components, error) {
	metric, err := vector.ParseMetric(cfg.Vector.Metric)
	if err != nil {
		return nil, err
	}
	c := &Components{}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	switch cfg.Storage.Driver {
	case config.DriverMemory:
		c.Store = storage.NewMemoryStore(cfg.Vector.Dimension, metric)
	default:
		store, err := storage.NewSQLiteStore(cfg.Storage.DatabasePath, cfg.Vector.Dimension, metric,
			storage.WithLogger(logger),
			storage.WithIndexType(cfg.Vector.IndexType))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		c.Store = store
	}

	switch cfg.Embedding.Provider {
	case config.ProviderMock:
		c.Embedder = embedding.NewMockEmbedder(cfg.Embedding.OutputDimensions)
		logger.Warn("using mock embedder; similarity is byte-level only")
	default:
		e, err := embedding.NewONNXEmbedder(embedding.ONNXConfig{
			ModelPath:         cfg.Embedding.ModelPath,
			SharedLibraryPath: cfg.Embedding.SharedLibraryPath,
			InputSize:         cfg.Embedding.InputSize,
			Dimensions:        cfg.Embedding.OutputDimensions,
			InputName:         cfg.Embedding.InputName,
			OutputName:        cfg.Embedding.OutputName,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder (set embedding.provider: mock to run without a model): %w", err)
		}
		c.Embedder = e
	}
	c.Cached = embedding.NewCachedEmbedder(c.Embedder, cfg.Embedding.CacheSize, logger)

	c.Policy = partition.NewPolicy(cfg.Catalog.DefaultCollection)
	c.Indexer = indexer.NewIndexer(c.Store, c.Embedder, c.Policy,
		indexer.WithLogger(logger),
		indexer.WithStrictDedup(cfg.Catalog.StrictDedupOrDefault()),
		indexer.WithLoadWorkers(cfg.Catalog.LoadWorkers))
	c.Engine = search.NewEngine(c.Store, c.Cached, c.Policy,
		search.WithLogger(logger),
		search.WithMaxTopK(cfg.Catalog.MaxTopK))

	c.Uploads, err = upload.NewDir(cfg.Storage.UploadPath,
		upload.WithMaxBytes(cfg.Server.MaxUploadBytes),
		upload.WithFetchTimeout(cfg.Server.FetchTimeout),
		upload.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	logger.Info("components initialized",
		zap.String("storage", cfg.Storage.Driver),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.Int("dimension", cfg.Vector.Dimension),
		zap.String("metric", string(metric)),
		zap.String("index_type", cfg.Vector.IndexType),
		zap.Bool("faiss_available", vector.IsFAISSAvailable()))
	ok = true
	return c, nil
}

// newInboxWatcher ingests files dropped into the configured watch directories. A file inside a
// first-level sub-directory is ingested with that sub-directory's name as its group.
func newInboxWatcher(ctx context.Context, cfg *config.Config, idx *indexer.Indexer, logger *zap.Logger) *watcher.Watcher {
	return watcher.NewWatcher(
		cfg.Watch.Directories,
		cfg.Watch.Extensions,
		cfg.Watch.RecursiveOrDefault(),
		func(f watcher.File) {
			res, err := idx.Ingest(ctx, &models.IngestInput{
				Collection: cfg.Watch.Collection,
				Path:       f.Path,
				Group:      f.Group,
			})
			if err != nil {
				logger.Warn("inbox ingest failed", zap.String("path", f.Path), zap.Error(err))
				return
			}
			logger.Debug("inbox file ingested",
				zap.String("path", f.Path),
				zap.String("group", f.Group),
				zap.Bool("duplicate", res.Duplicate))
		},
		watcher.WithLogger(logger),
	)
}
