// Package upload owns the on-disk layout of uploaded originals: temporary files for in-flight
// requests and <uuid>.<ext> files kept for download.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/pkg/utils"
	retry "github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	// DefaultMaxBytes caps a single upload or download.
	DefaultMaxBytes = 32 << 20
	// DefaultFetchTimeout bounds one URL download attempt.
	DefaultFetchTimeout = 30 * time.Second

	tempPrefix = "tmp-"
)

// ErrTooLarge is returned when an upload exceeds the size cap.
var ErrTooLarge = errors.New("upload exceeds size limit")

// Dir is an upload directory.
type Dir struct {
	root       string
	maxBytes   int64
	client     *http.Client
	maxRetries uint64
	logger     *zap.Logger
}

// Option configures a Dir.
type Option func(*Dir)

// WithMaxBytes sets the size cap for uploads and downloads.
func WithMaxBytes(n int64) Option {
	return func(d *Dir) {
		if n > 0 {
			d.maxBytes = n
		}
	}
}

// WithFetchTimeout sets the per-attempt timeout of URL downloads.
func WithFetchTimeout(t time.Duration) Option {
	return func(d *Dir) {
		if t > 0 {
			d.client.Timeout = t
		}
	}
}

// WithHTTPClient replaces the client used by Fetch.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dir) { d.client = c }
}

// WithFetchRetries sets how many times a failed download is retried.
func WithFetchRetries(n uint64) Option {
	return func(d *Dir) { d.maxRetries = n }
}

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dir) { d.logger = l }
}

// NewDir creates root if needed and returns the upload directory.
func NewDir(root string, opts ...Option) (*Dir, error) {
	if root == "" {
		return nil, fmt.Errorf("upload path is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	d := &Dir{
		root:       abs,
		maxBytes:   DefaultMaxBytes,
		client:     &http.Client{Timeout: DefaultFetchTimeout},
		maxRetries: 2,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = utils.OrNop(d.logger)
	return d, nil
}

// Root returns the absolute upload directory.
func (d *Dir) Root() string {
	return d.root
}

// SaveTemp writes r to a new temporary file that keeps filename's extension.
func (d *Dir) SaveTemp(r io.Reader, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	path := filepath.Join(d.root, tempPrefix+uuid.NewString()+ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", err
	}
	n, err := io.Copy(f, io.LimitReader(r, d.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > d.maxBytes {
		err = ErrTooLarge
	}
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// Fetch downloads rawURL into a temporary file. Network errors and 5xx responses are retried
// with Fibonacci backoff; other failures are returned immediately.
func (d *Dir) Fetch(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid image url %q", rawURL)
	}

	var path string
	b := retry.WithMaxRetries(d.maxRetries, retry.NewFibonacci(200*time.Millisecond))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		p, err := d.fetchOnce(ctx, u)
		if err != nil {
			var re *retryable
			if errors.As(err, &re) {
				d.logger.Debug("image download failed, retrying", zap.String("url", rawURL), zap.Error(err))
				return retry.RetryableError(re.err)
			}
			return err
		}
		path = p
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("download %s: %w", rawURL, err)
	}
	return path, nil
}

type retryable struct{ err error }

func (r *retryable) Error() string { return r.err.Error() }
func (r *retryable) Unwrap() error { return r.err }

func (d *Dir) fetchOnce(ctx context.Context, u *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &retryable{err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return "", &retryable{err: fmt.Errorf("server returned %s", resp.Status)}
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("server returned %s", resp.Status)
	}
	return d.SaveTemp(resp.Body, "image"+extensionFor(u.Path, resp.Header.Get("Content-Type")))
}

// extensionFor picks the file extension from the URL path, falling back to the content type.
func extensionFor(urlPath, contentType string) string {
	if ext := strings.ToLower(filepath.Ext(urlPath)); ext != "" && len(ext) <= 6 {
		return ext
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch mediaType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	}
	if exts, _ := mime.ExtensionsByType(mediaType); len(exts) > 0 {
		return exts[0]
	}
	return ""
}

// Finalize moves a processed temporary file to <uuid>.<ext> so it can be downloaded later.
// When that file already exists (a duplicate upload) the temporary file is removed instead.
func (d *Dir) Finalize(tempPath, id string) (string, error) {
	ext := strings.ToLower(filepath.Ext(tempPath))
	target := filepath.Join(d.root, id+ext)
	if _, err := os.Stat(target); err == nil {
		return target, d.Remove(tempPath)
	}
	if err := os.Rename(tempPath, target); err != nil {
		return "", err
	}
	return target, nil
}

// Locate returns the kept original for a record, or models.ErrNotFound.
func (d *Dir) Locate(id, ext string) (string, error) {
	if id == "" || ext == "" || strings.ContainsAny(id+ext, `/\`) {
		return "", models.ErrNotFound
	}
	path := filepath.Join(d.root, id+"."+strings.TrimPrefix(ext, "."))
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", models.ErrNotFound
	}
	return path, nil
}

// Remove deletes a file inside the upload directory. Paths elsewhere and missing files are ignored.
func (d *Dir) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(d.root, abs)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
