package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/upload"
	"github.com/hyperjump/mirip/pkg/utils"
	"go.uber.org/zap"
)

const multipartMemory = 8 << 20

type uploadResponse struct {
	UUID      string                `json:"uuid"`
	MD5       string                `json:"md5"`
	Meta      models.Meta           `json:"meta"`
	Duplicate bool                  `json:"duplicate"`
	Records   []*models.ImageRecord `json:"records"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxUploadBytes+multipartMemory)
	tempPath, err := s.receiveImage(r, true)
	if err != nil {
		s.respondErr(w, err)
		return
	}

	keep := !formBool(r, "delete")
	in := &models.IngestInput{
		Collection: r.FormValue("collection"),
		Path:       tempPath,
		Group:      r.FormValue("group"),
		Extra:      parseExtra(r.FormValue("extra")),
	}
	s.logger.Debug("upload request",
		zap.String("collection", in.Collection),
		zap.String("group", in.Group),
		zap.Bool("keep", keep))
	res, err := s.indexer.Ingest(r.Context(), in)
	if err != nil || len(res.Records) == 0 || !keep {
		if rerr := s.uploads.Remove(tempPath); rerr != nil {
			s.logger.Warn("failed to remove upload", zap.String("path", tempPath), zap.Error(rerr))
		}
	}
	if err != nil {
		s.logger.Error("upload failed", zap.Error(err))
		s.respondErr(w, err)
		return
	}
	if len(res.Records) == 0 {
		s.respondError(w, http.StatusInternalServerError, "ingestion returned no records")
		return
	}
	first := res.Records[0]
	if keep {
		if _, err := s.uploads.Finalize(tempPath, first.UUID); err != nil {
			s.logger.Warn("failed to keep upload", zap.String("uuid", first.UUID), zap.Error(err))
		}
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	s.respondData(w, status, uploadResponse{
		UUID:      first.UUID,
		MD5:       first.ContentHash,
		Meta:      first.Meta,
		Duplicate: res.Duplicate,
		Records:   res.Records,
	})
}

// receiveImage stores the multipart "image" file, or downloads the "url" form/query value when
// allowURL is set, and returns the temporary path.
func (s *Server) receiveImage(r *http.Request, allowURL bool) (string, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return "", badRequest("invalid multipart body: %v", err)
	}
	file, header, err := r.FormFile("image")
	switch {
	case err == nil:
		defer file.Close()
		return s.uploads.SaveTemp(file, header.Filename)
	case !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart):
		return "", badRequest("invalid image field: %v", err)
	}
	if rawURL := strings.TrimSpace(r.FormValue("url")); allowURL && rawURL != "" {
		path, err := s.uploads.Fetch(r.Context(), rawURL)
		if err != nil {
			return "", fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
		}
		return path, nil
	}
	if allowURL {
		return "", badRequest("image or url is required")
	}
	return "", badRequest("image is required")
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.Server.MaxUploadBytes+multipartMemory)
	tempPath, err := s.receiveImage(r, false)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	defer func() {
		if err := s.uploads.Remove(tempPath); err != nil {
			s.logger.Warn("failed to remove search upload", zap.String("path", tempPath), zap.Error(err))
		}
	}()

	topK := s.config.Catalog.TopK
	if v := firstNonEmpty(r.FormValue("top_k"), r.FormValue("topk")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "top_k must be an integer")
			return
		}
		topK = n
	}
	query := &models.SearchQuery{
		Collection: r.FormValue("collection"),
		Path:       tempPath,
		TopK:       topK,
		Group:      r.FormValue("group"),
	}
	s.logger.Debug("search request", zap.String("collection", query.Collection), zap.Int("top_k", topK), zap.String("group", query.Group))
	resp, err := s.engine.Search(r.Context(), query)
	if err != nil {
		s.logger.Error("search failed", zap.Error(err))
		s.respondErr(w, err)
		return
	}
	s.respondData(w, http.StatusOK, resp)
}

type loadRequest struct {
	Dir        string `json:"dir"`
	Collection string `json:"collection"`
	Group      string `json:"group"`
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Dir == "" {
		s.respondError(w, http.StatusBadRequest, "dir is required")
		return
	}
	report, err := s.indexer.LoadDirectory(r.Context(), req.Dir, req.Collection, req.Group)
	if err != nil {
		s.logger.Error("load failed", zap.String("dir", req.Dir), zap.Error(err))
		s.respondErr(w, err)
		return
	}
	s.respondData(w, http.StatusOK, report)
}

func (s *Server) handleListImages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	limit, err := queryInt(q.Get("limit"), 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	refs, err := s.engine.List(r.Context(), q.Get("collection"), q.Get("group"), offset, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondData(w, http.StatusOK, refs)
}

func (s *Server) handleGetByIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := utils.ParseIDList(r.URL.Query().Get("ids"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(ids) == 0 {
		s.respondError(w, http.StatusBadRequest, "ids is required")
		return
	}
	records, err := s.engine.GetByIDs(r.Context(), r.URL.Query().Get("collection"), ids)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if records == nil {
		records = []*models.ImageRecord{}
	}
	s.respondData(w, http.StatusOK, records)
}

func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.engine.Get(r.Context(), r.URL.Query().Get("collection"), chi.URLParam(r, "uuid"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondData(w, http.StatusOK, rec)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	rec, err := s.engine.Get(r.Context(), r.URL.Query().Get("collection"), id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	path, err := s.uploads.Locate(rec.UUID, rec.Meta.Ext())
	if err != nil {
		s.respondError(w, http.StatusNotFound, "image file not found")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "uuid")
	q := r.URL.Query()
	s.logger.Debug("delete image request", zap.String("uuid", id), zap.String("group", q.Get("group")))
	n, err := s.indexer.Delete(r.Context(), q.Get("collection"), id, q.Get("group"))
	if err != nil {
		s.logger.Error("deletion failed", zap.Error(err))
		s.respondErr(w, err)
		return
	}
	s.respondData(w, http.StatusOK, map[string]interface{}{"uuid": id, "deleted": n})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

type envelope struct {
	Status bool        `json:"status"`
	Data   interface{} `json:"data"`
}

func (s *Server) respondData(w http.ResponseWriter, status int, data interface{}) {
	s.respondJSON(w, status, envelope{Status: true, Data: data})
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps pipeline errors onto HTTP status codes.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	s.respondError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var ee *models.ExtractionError
	var mbe *http.MaxBytesError
	switch {
	case errors.As(err, &ee):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, upload.ErrTooLarge), errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", models.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// parseExtra keeps JSON values structured and anything else as a plain string.
func parseExtra(raw string) interface{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func formBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.FormValue(key))
	return b
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
