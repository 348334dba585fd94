package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperjump/mirip/internal/config"
	"github.com/hyperjump/mirip/internal/embedding"
	"github.com/hyperjump/mirip/internal/indexer"
	"github.com/hyperjump/mirip/internal/partition"
	"github.com/hyperjump/mirip/internal/search"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/upload"
	"github.com/hyperjump/mirip/internal/vector"
)

type mockWatchService struct {
	dirs []string
}

func (m *mockWatchService) Directories() []string {
	return append([]string(nil), m.dirs...)
}

func (m *mockWatchService) AddDirectory(path string, _ bool) error {
	for _, d := range m.dirs {
		if d == path {
			return nil
		}
	}
	m.dirs = append(m.dirs, path)
	return nil
}

func (m *mockWatchService) RemoveDirectory(path string) error {
	for i, d := range m.dirs {
		if d == path {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			return nil
		}
	}
	return nil
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	uploads *upload.Dir
	cfg     *config.Config
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	cfg := &config.Config{}
	cfg.Vector.Dimension = 8
	cfg.Embedding.Provider = config.ProviderMock
	cfg.Storage.Driver = config.DriverMemory
	cfg.Storage.DataPath = t.TempDir()
	config.ApplyDefaults(cfg)

	store := storage.NewMemoryStore(cfg.Vector.Dimension, vector.MetricL2)
	embedder := embedding.NewMockEmbedder(6)
	policy := partition.NewPolicy(cfg.Catalog.DefaultCollection)
	idx := indexer.NewIndexer(store, embedder, policy)
	engine := search.NewEngine(store, embedder, policy, search.WithMaxTopK(cfg.Catalog.MaxTopK))
	uploads, err := upload.NewDir(cfg.Storage.UploadPath)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer(engine, idx, store, uploads, cfg, opts...)
	return &testEnv{srv: srv, handler: srv.Router(), uploads: uploads, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, r *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w
}

func multipartRequest(t *testing.T, target, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("image", filename)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(content); err != nil {
			t.Fatal(err)
		}
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodPost, target, &buf)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	return r
}

type uploadEnvelope struct {
	Status bool           `json:"status"`
	Data   uploadResponse `json:"data"`
}

func (e *testEnv) upload(t *testing.T, content string, fields map[string]string) uploadEnvelope {
	t.Helper()
	w := e.do(t, multipartRequest(t, "/api/v1/images", "photo.png", []byte(content), fields))
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("upload status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out uploadEnvelope
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "tmp-*"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func TestHandleUpload_NewThenDuplicate(t *testing.T) {
	env := newTestEnv(t)

	first := env.upload(t, "red square", map[string]string{"group": "shop_a", "extra": `{"sku":"A1"}`})
	if !first.Status || first.Data.Duplicate || first.Data.UUID == "" {
		t.Fatalf("unexpected first upload: %+v", first)
	}
	if first.Data.Meta["group"] != "shop_a" {
		t.Errorf("group not recorded: %v", first.Data.Meta)
	}
	extra, ok := first.Data.Meta["extra"].(map[string]interface{})
	if !ok || extra["sku"] != "A1" {
		t.Errorf("extra should be decoded JSON, got %v", first.Data.Meta["extra"])
	}
	if _, err := os.Stat(filepath.Join(env.uploads.Root(), first.Data.UUID+".png")); err != nil {
		t.Errorf("kept upload missing: %v", err)
	}

	second := env.upload(t, "red square", map[string]string{"group": "shop_a"})
	if !second.Data.Duplicate {
		t.Error("second upload should be a duplicate")
	}
	if second.Data.UUID != first.Data.UUID {
		t.Errorf("duplicate uuid: got %s, want %s", second.Data.UUID, first.Data.UUID)
	}
	if left := tempFiles(t, env.uploads.Root()); len(left) != 0 {
		t.Errorf("temporary files left behind: %v", left)
	}
}

func TestHandleUpload_DeleteDiscardsFile(t *testing.T) {
	env := newTestEnv(t)
	out := env.upload(t, "blue circle", map[string]string{"delete": "true"})
	if _, err := os.Stat(filepath.Join(env.uploads.Root(), out.Data.UUID+".png")); !os.IsNotExist(err) {
		t.Errorf("upload should have been deleted, stat err: %v", err)
	}
	if left := tempFiles(t, env.uploads.Root()); len(left) != 0 {
		t.Errorf("temporary files left behind: %v", left)
	}

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/images/"+out.Data.UUID+"/file", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("download of deleted original: got %d", w.Code)
	}
}

func TestHandleUpload_MissingImage(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, multipartRequest(t, "/api/v1/images", "", nil, map[string]string{"group": "g"}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, body: %s", w.Code, w.Body.String())
	}
}

func TestHandleUpload_UndecodableImage(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, multipartRequest(t, "/api/v1/images", "empty.png", nil, nil))
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	if left := tempFiles(t, env.uploads.Root()); len(left) != 0 {
		t.Errorf("temporary files left behind: %v", left)
	}
}

func TestHandleUpload_InvalidCollection(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, multipartRequest(t, "/api/v1/images", "a.png", []byte("x"), map[string]string{"collection": "1bad"}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d, body: %s", w.Code, w.Body.String())
	}
}

func TestHandleUpload_FromURL(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("remote pixels"))
	}))
	defer remote.Close()

	env := newTestEnv(t)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/images?url="+remote.URL+"/cat.jpg", nil)
	w := env.do(t, r)
	if w.Code != http.StatusCreated {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out uploadEnvelope
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Data.Meta["ext"] != "jpg" {
		t.Errorf("ext: got %v", out.Data.Meta["ext"])
	}
}

func TestHandleSearch(t *testing.T) {
	env := newTestEnv(t)
	a := env.upload(t, "image a", nil)
	env.upload(t, "image b", nil)
	env.upload(t, "image c", nil)

	w := env.do(t, multipartRequest(t, "/api/v1/images/search", "q.png", []byte("image a"), map[string]string{"top_k": "2"}))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Status bool `json:"status"`
		Data   struct {
			Collection string `json:"collection"`
			Hits       []struct {
				UUID     string  `json:"uuid"`
				Distance float64 `json:"distance"`
				Rank     int     `json:"rank"`
			} `json:"hits"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data.Hits) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(out.Data.Hits))
	}
	if out.Data.Hits[0].UUID != a.Data.UUID || out.Data.Hits[0].Rank != 1 {
		t.Errorf("nearest hit should be the identical image, got %+v", out.Data.Hits[0])
	}
	if out.Data.Hits[0].Distance > 1e-6 {
		t.Errorf("identical image distance: got %v", out.Data.Hits[0].Distance)
	}
	if out.Data.Hits[0].Distance > out.Data.Hits[1].Distance {
		t.Error("hits should be ordered by ascending distance")
	}
	if left := tempFiles(t, env.uploads.Root()); len(left) != 0 {
		t.Errorf("search upload left behind: %v", left)
	}
}

func TestHandleSearch_BadTopK(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, multipartRequest(t, "/api/v1/images/search", "q.png", []byte("q"), map[string]string{"top_k": "ten"}))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleSearch_EmptyCollection(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, multipartRequest(t, "/api/v1/images/search", "q.png", []byte("q"), map[string]string{"collection": "nothing_here"}))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"hits":[]`) {
		t.Errorf("expected empty hits, body: %s", w.Body.String())
	}
}

func TestHandleDownload(t *testing.T) {
	env := newTestEnv(t)
	out := env.upload(t, "downloadable", nil)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/images/"+out.Data.UUID+"/file", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if string(body) != "downloadable" {
		t.Errorf("body: got %q", body)
	}

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/images/no-such-uuid/file", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown uuid: got %d", w.Code)
	}
}

func TestHandleGetImage(t *testing.T) {
	env := newTestEnv(t)
	out := env.upload(t, "lookup", nil)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/images/"+out.Data.UUID, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), out.Data.UUID) {
		t.Errorf("body should carry the uuid: %s", w.Body.String())
	}

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/images/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing uuid: got %d", w.Code)
	}
}

func TestHandleGetByIDs(t *testing.T) {
	env := newTestEnv(t)
	env.upload(t, "one", nil)
	env.upload(t, "two", nil)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/images/ids?ids=2,1,99", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Data []struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data) != 2 || out.Data[0].ID != 2 || out.Data[1].ID != 1 {
		t.Errorf("records: got %+v", out.Data)
	}

	for _, q := range []string{"ids=1,x", "ids="} {
		w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/images/ids?"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: got %d", q, w.Code)
		}
	}
}

func TestHandleListImagesAndGroups(t *testing.T) {
	env := newTestEnv(t)
	env.upload(t, "a", map[string]string{"group": "shop_a"})
	env.upload(t, "b", map[string]string{"group": "shop_b"})
	env.upload(t, "c", map[string]string{"group": "shop_b"})

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/images?group=shop_b", nil))
	var list struct {
		Data []map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 2 {
		t.Errorf("shop_b images: got %d", len(list.Data))
	}

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/images?offset=1&limit=1", nil))
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list.Data) != 1 {
		t.Errorf("paged images: got %d", len(list.Data))
	}

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/groups", nil))
	var groups struct {
		Data []string `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&groups); err != nil {
		t.Fatal(err)
	}
	if len(groups.Data) != 2 || groups.Data[0] != "shop_a" || groups.Data[1] != "shop_b" {
		t.Errorf("groups: got %v", groups.Data)
	}
}

func TestHandleDeleteImage(t *testing.T) {
	env := newTestEnv(t)
	out := env.upload(t, "to delete", map[string]string{"group": "g1"})

	w := env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/images/"+out.Data.UUID+"?group=other", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"deleted":0`) {
		t.Errorf("wrong group should delete nothing: %d %s", w.Code, w.Body.String())
	}
	w = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/images/"+out.Data.UUID+"?group=g1", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"deleted":1`) {
		t.Errorf("delete: %d %s", w.Code, w.Body.String())
	}
	w = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/images/"+out.Data.UUID, nil))
	if w.Code != http.StatusOK {
		t.Errorf("deleting a missing uuid should succeed, got %d", w.Code)
	}
}

func TestHandleCountAndDrop(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/collections/default/count", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"data":null`) {
		t.Errorf("missing collection count: %d %s", w.Code, w.Body.String())
	}

	env.upload(t, "counted", nil)
	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/collections/default/count", nil))
	if !strings.Contains(w.Body.String(), `"data":1`) {
		t.Errorf("count: %s", w.Body.String())
	}

	w = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/collections/default", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"dropped":true`) {
		t.Errorf("drop: %d %s", w.Code, w.Body.String())
	}
	w = env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/collections/default", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"dropped":false`) {
		t.Errorf("second drop: %d %s", w.Code, w.Body.String())
	}
}

func TestHandleLoad(t *testing.T) {
	env := newTestEnv(t)
	dir := t.TempDir()
	for name, content := range map[string]string{"a.png": "A", "b.JPG": "B", "c.jpeg": "A", "notes.txt": "skip"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	body, _ := json.Marshal(loadRequest{Dir: dir, Group: "bulk"})
	w := env.do(t, httptest.NewRequest(http.MethodPost, "/api/v1/images/load", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	var out struct {
		Data struct {
			Total      int `json:"total"`
			Inserted   int `json:"inserted"`
			Duplicates int `json:"duplicates"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Data.Total != 3 || out.Data.Inserted != 2 || out.Data.Duplicates != 1 {
		t.Errorf("report: %+v", out.Data)
	}
}

func TestHandleStatus(t *testing.T) {
	cache := embedding.NewEmbeddingCache(4)
	env := newTestEnv(t, WithEmbeddingCache(cache))
	env.upload(t, "status", nil)

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var out struct {
		Data map[string]interface{} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Data["records"] != float64(1) {
		t.Errorf("records: got %v", out.Data["records"])
	}
	if _, ok := out.Data["embedding_cache"]; !ok {
		t.Error("embedding_cache missing")
	}
	if _, ok := out.Data["disk_usage_bytes"]; !ok {
		t.Error("disk_usage_bytes missing")
	}
	cfg, ok := out.Data["config"].(map[string]interface{})
	if !ok || cfg["storage_driver"] != config.DriverMemory {
		t.Errorf("config: %v", out.Data["config"])
	}
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleWatchDirectoriesList(t *testing.T) {
	mock := &mockWatchService{dirs: []string{"/tmp/inbox"}}
	env := newTestEnv(t, WithWatch(mock, ""))

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/watch/directories", nil))
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	var out struct {
		Data struct {
			Directories []string `json:"directories"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data.Directories) != 1 || out.Data.Directories[0] != "/tmp/inbox" {
		t.Errorf("directories: got %v", out.Data.Directories)
	}
}

func TestHandleWatchDirectoriesList_NotEnabled(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/watch/directories", nil))
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleWatchDirectoriesAdd(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	mock := &mockWatchService{}
	env := newTestEnv(t, WithWatch(mock, configPath))

	body, _ := json.Marshal(map[string]string{"path": dir})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/watch/directories", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := env.do(t, r)
	if w.Code != http.StatusCreated {
		t.Errorf("status: got %d, body: %s", w.Code, w.Body.String())
	}
	if len(mock.Directories()) != 1 {
		t.Errorf("expected 1 directory, got %v", mock.Directories())
	}
	saved, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("config not persisted: %v", err)
	}
	if !strings.Contains(string(saved), dir) {
		t.Errorf("persisted config missing directory: %s", saved)
	}
}

func TestHandleWatchDirectoriesAdd_InvalidPath(t *testing.T) {
	mock := &mockWatchService{}
	env := newTestEnv(t, WithWatch(mock, ""))

	body, _ := json.Marshal(map[string]string{"path": filepath.Join(t.TempDir(), "nonexistent")})
	r := httptest.NewRequest(http.MethodPost, "/api/v1/watch/directories", bytes.NewReader(body))
	w := env.do(t, r)
	if w.Code != http.StatusNotFound {
		t.Errorf("status: got %d", w.Code)
	}
}

func TestHandleWatchDirectoriesRemove(t *testing.T) {
	dir := t.TempDir()
	mock := &mockWatchService{dirs: []string{dir}}
	env := newTestEnv(t, WithWatch(mock, ""))

	w := env.do(t, httptest.NewRequest(http.MethodDelete, "/api/v1/watch/directories?path="+dir, nil))
	if w.Code != http.StatusOK {
		t.Errorf("status: got %d", w.Code)
	}
	if len(mock.Directories()) != 0 {
		t.Errorf("expected 0 directories, got %v", mock.Directories())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{badRequest("nope"), http.StatusBadRequest},
		{upload.ErrTooLarge, http.StatusRequestEntityTooLarge},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
