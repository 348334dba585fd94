// Package server provides the HTTP API for mirip.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/embedding"
	"github.com/hyperjump/mirip/internal/indexer"
	"github.com/hyperjump/mirip/internal/search"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/upload"
	"github.com/hyperjump/mirip/pkg/utils"
	"go.uber.org/zap"
)

// WatchService manages inbox directories at runtime. *watcher.Watcher implements it.
type WatchService interface {
	Directories() []string
	AddDirectory(root string, syncExisting bool) error
	RemoveDirectory(root string) error
}

// Server is the HTTP server for the mirip API.
type Server struct {
	engine  *search.Engine
	indexer *indexer.Indexer
	store   storage.RecordStore
	uploads *upload.Dir
	config  *config.Config
	logger  *zap.Logger
	server  *http.Server

	cache      *embedding.EmbeddingCache
	watch      WatchService
	configPath string
	configMu   sync.Mutex
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithWatch enables the watch directory endpoints. When configPath is set, directory changes are
// written back to the config file.
func WithWatch(w WatchService, configPath string) Option {
	return func(s *Server) {
		s.watch = w
		s.configPath = configPath
	}
}

// WithEmbeddingCache exposes the search embedding cache in the status output.
func WithEmbeddingCache(c *embedding.EmbeddingCache) Option {
	return func(s *Server) { s.cache = c }
}

// NewServer creates a server with the given dependencies.
func NewServer(
	engine *search.Engine,
	idx *indexer.Indexer,
	store storage.RecordStore,
	uploads *upload.Dir,
	cfg *config.Config,
	opts ...Option,
) *Server {
	s := &Server{
		engine:  engine,
		indexer: idx,
		store:   store,
		uploads: uploads,
		config:  cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = utils.OrNop(s.logger)
	return s
}

// Router builds the chi router with all API routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/images", s.handleUpload)
		r.Get("/images", s.handleListImages)
		r.With(middleware.Compress(5)).Get("/images/ids", s.handleGetByIDs)
		r.Post("/images/search", s.handleSearch)
		r.Post("/images/load", s.handleLoad)
		r.Get("/images/{uuid}", s.handleGetImage)
		r.Get("/images/{uuid}/file", s.handleDownload)
		r.Delete("/images/{uuid}", s.handleDeleteImage)

		r.Get("/groups", s.handleGroups)
		r.Get("/collections/{name}/count", s.handleCount)
		r.Delete("/collections/{name}", s.handleDrop)

		r.Get("/status", s.handleStatus)
		r.Get("/watch/directories", s.handleWatchDirectoriesList)
		r.Post("/watch/directories", s.handleWatchDirectoriesAdd)
		r.Delete("/watch/directories", s.handleWatchDirectoriesRemove)
	})
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
