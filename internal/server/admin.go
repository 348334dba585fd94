package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/storage"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.engine.Groups(r.Context(), r.URL.Query().Get("collection"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondData(w, http.StatusOK, groups)
}

// handleCount answers with null data when the collection does not exist.
func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.indexer.Count(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondData(w, http.StatusOK, n)
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.logger.Debug("drop collection request", zap.String("collection", name))
	dropped, err := s.indexer.Drop(r.Context(), name)
	if err != nil {
		s.logger.Error("drop failed", zap.Error(err))
		s.respondErr(w, err)
		return
	}
	msg := "collection dropped"
	if !dropped {
		msg = "collection does not exist"
	}
	s.respondData(w, http.StatusOK, map[string]interface{}{"collection": name, "dropped": dropped, "message": msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("status: stats failed", zap.Error(err))
		s.respondErr(w, err)
		return
	}
	var total int64
	for _, st := range stats {
		total += st.Records
	}
	resp := map[string]interface{}{
		"collections": stats,
		"records":     total,
	}

	configInfo := map[string]interface{}{
		"default_collection": s.config.Catalog.DefaultCollection,
		"dimension":          s.config.Vector.Dimension,
		"metric":             s.config.Vector.Metric,
		"vector_index_type":  s.config.Vector.IndexType,
		"storage_driver":     s.config.Storage.Driver,
		"embedding_provider": s.config.Embedding.Provider,
		"strict_dedup":       s.config.Catalog.StrictDedupOrDefault(),
		"database_path":      s.config.Storage.DatabasePath,
		"upload_path":        s.uploads.Root(),
	}
	resp["config"] = configInfo

	if s.cache != nil {
		hits, misses := s.cache.Stats()
		resp["embedding_cache"] = map[string]interface{}{
			"entries": s.cache.Len(),
			"hits":    hits,
			"misses":  misses,
		}
	}
	paths := []string{s.uploads.Root()}
	if s.config.Storage.Driver == config.DriverSQLite {
		paths = append(paths, s.config.Storage.DatabasePath)
	}
	if diskBytes, err := storage.DiskUsageBytes(paths...); err == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	s.respondData(w, http.StatusOK, resp)
}

func (s *Server) handleWatchDirectoriesList(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	s.respondData(w, http.StatusOK, map[string]interface{}{"directories": s.watch.Directories()})
}

type watchAddRequest struct {
	Path string `json:"path"`
	Sync *bool  `json:"sync,omitempty"`
}

func (s *Server) handleWatchDirectoriesAdd(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	var req watchAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required")
		return
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			s.respondError(w, http.StatusNotFound, "directory not found")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !info.IsDir() {
		s.respondError(w, http.StatusBadRequest, "path is not a directory")
		return
	}
	syncExisting := true
	if req.Sync != nil {
		syncExisting = *req.Sync
	}
	s.logger.Debug("watch add directory request", zap.String("path", abs), zap.Bool("sync_existing", syncExisting))
	if err := s.watch.AddDirectory(abs, syncExisting); err != nil {
		s.logger.Error("watch add directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondData(w, http.StatusCreated, map[string]string{"path": abs, "status": "added"})
}

func (s *Server) handleWatchDirectoriesRemove(w http.ResponseWriter, r *http.Request) {
	if s.watch == nil {
		s.respondError(w, http.StatusNotImplemented, "watch not enabled")
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		var body struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			path = body.Path
		}
	}
	if path == "" {
		s.respondError(w, http.StatusBadRequest, "path is required (query or body)")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	s.logger.Debug("watch remove directory request", zap.String("path", abs))
	if err := s.watch.RemoveDirectory(abs); err != nil {
		s.logger.Error("watch remove directory failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.persistWatchDirectories()
	s.respondData(w, http.StatusOK, map[string]string{"path": abs, "status": "removed"})
}

func (s *Server) persistWatchDirectories() {
	if s.configPath == "" {
		return
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.config.Watch.Directories = s.watch.Directories()
	if err := config.Save(s.configPath, s.config); err != nil {
		s.logger.Warn("failed to persist watch config", zap.Error(err))
	}
}
