package embedding

import (
	"context"

	"github.com/hyperjump/mirip/internal/identity"
	"github.com/hyperjump/mirip/pkg/utils"
	"go.uber.org/zap"
)

// CachedEmbedder puts an EmbeddingCache keyed by content hash in front of another Embedder,
// so the same image submitted twice runs inference once.
type CachedEmbedder struct {
	inner  Embedder
	cache  *EmbeddingCache
	logger *zap.Logger
}

// NewCachedEmbedder wraps inner with an LRU cache of the given capacity.
func NewCachedEmbedder(inner Embedder, capacity int, logger *zap.Logger) *CachedEmbedder {
	return &CachedEmbedder{
		inner:  inner,
		cache:  NewEmbeddingCache(capacity),
		logger: utils.OrNop(logger),
	}
}

// Embed returns a copy of the cached embedding for path's content, computing it on a miss.
// Files that cannot be hashed bypass the cache.
func (c *CachedEmbedder) Embed(ctx context.Context, path string) ([]float32, error) {
	hash, err := identity.ContentHash(path)
	if err != nil || hash == "" {
		return c.inner.Embed(ctx, path)
	}
	if v, ok := c.cache.Get(hash); ok {
		c.logger.Debug("embedding cache hit", zap.String("md5", hash))
		return append([]float32(nil), v...), nil
	}
	v, err := c.inner.Embed(ctx, path)
	if err != nil {
		return nil, err
	}
	c.cache.Set(hash, append([]float32(nil), v...))
	return v, nil
}

// Cache exposes the underlying cache for status reporting.
func (c *CachedEmbedder) Cache() *EmbeddingCache {
	return c.cache
}

// Dimensions returns the wrapped embedder's dimension.
func (c *CachedEmbedder) Dimensions() int {
	return c.inner.Dimensions()
}

// Close closes the wrapped embedder.
func (c *CachedEmbedder) Close() error {
	return c.inner.Close()
}
