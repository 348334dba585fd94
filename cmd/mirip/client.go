package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/storage"
)

// apiClient talks to a running mirip server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 2 * time.Minute},
	}
}

type uploadOptions struct {
	Collection string
	Group      string
	Extra      string
	Delete     bool
}

type apiEnvelope struct {
	Status bool            `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  string          `json:"error"`
}

// Upload posts an image to /api/v1/images.
func (c *apiClient) Upload(ctx context.Context, path string, opts uploadOptions) (*models.IngestResult, error) {
	fields := map[string]string{
		"collection": opts.Collection,
		"group":      opts.Group,
		"extra":      opts.Extra,
	}
	if opts.Delete {
		fields["delete"] = "true"
	}
	var out struct {
		Duplicate bool                  `json:"duplicate"`
		Records   []*models.ImageRecord `json:"records"`
	}
	if err := c.postImage(ctx, "/api/v1/images", path, fields, &out); err != nil {
		return nil, err
	}
	return &models.IngestResult{Records: out.Records, Duplicate: out.Duplicate}, nil
}

// Search posts a query image to /api/v1/images/search.
func (c *apiClient) Search(ctx context.Context, path, collection, group string, topK int) (*models.SearchResponse, error) {
	fields := map[string]string{"collection": collection, "group": group}
	if topK != 0 {
		fields["top_k"] = strconv.Itoa(topK)
	}
	var resp models.SearchResponse
	if err := c.postImage(ctx, "/api/v1/images/search", path, fields, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

type statusData struct {
	Collections    []storage.CollectionStats `json:"collections"`
	DiskUsageBytes int64                     `json:"disk_usage_bytes"`
}

// Status fetches /api/v1/status.
func (c *apiClient) Status(ctx context.Context) (*statusData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	var st statusData
	if err := c.do(req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *apiClient) postImage(ctx context.Context, endpoint, path string, fields map[string]string, out interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return err
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, out)
}

func (c *apiClient) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("%s %s: %s: invalid response: %w", req.Method, req.URL.Path, resp.Status, err)
	}
	if resp.StatusCode >= 300 || !env.Status {
		msg := env.Error
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("%s %s failed (%d): %s", req.Method, req.URL.Path, resp.StatusCode, msg)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
