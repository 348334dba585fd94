package upload

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hyperjump/mirip/internal/models"
)

func newDir(t *testing.T, opts ...Option) *Dir {
	t.Helper()
	d, err := NewDir(filepath.Join(t.TempDir(), "upload"), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func assertGone(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("%s should not exist, stat = %v", path, err)
	}
}

func TestSaveTempFinalizeLocate(t *testing.T) {
	d := newDir(t)
	tmp, err := d.SaveTemp(strings.NewReader("png bytes"), "Photo.PNG")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(filepath.Base(tmp), tempPrefix) || filepath.Ext(tmp) != ".png" {
		t.Errorf("temp file = %s", tmp)
	}

	final, err := d.Finalize(tmp, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(d.Root(), "u1.png"); final != want {
		t.Errorf("final = %s, want %s", final, want)
	}
	assertGone(t, tmp)

	if got, err := d.Locate("u1", "png"); err != nil || got != final {
		t.Errorf("Locate = %s, %v; want %s", got, err, final)
	}

	// a duplicate upload of the same uuid keeps the first file
	tmp2, err := d.SaveTemp(strings.NewReader("other"), "x.png")
	if err != nil {
		t.Fatal(err)
	}
	final2, err := d.Finalize(tmp2, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if final2 != final {
		t.Errorf("second finalize = %s, want %s", final2, final)
	}
	if data, _ := os.ReadFile(final); string(data) != "png bytes" {
		t.Errorf("content = %q, the first upload must be kept", data)
	}
	assertGone(t, tmp2)

	for _, c := range [][2]string{{"nope", "png"}, {"u1", ""}, {"../u1", "png"}} {
		if _, err := d.Locate(c[0], c[1]); !errors.Is(err, models.ErrNotFound) {
			t.Errorf("Locate(%q, %q) = %v, want ErrNotFound", c[0], c[1], err)
		}
	}
}

func TestSaveTemp_TooLarge(t *testing.T) {
	d := newDir(t, WithMaxBytes(4))
	if _, err := d.SaveTemp(strings.NewReader("12345"), "a.png"); !errors.Is(err, ErrTooLarge) {
		t.Errorf("SaveTemp = %v, want ErrTooLarge", err)
	}
	if entries, _ := os.ReadDir(d.Root()); len(entries) != 0 {
		t.Errorf("oversized upload left %d files behind", len(entries))
	}
}

func TestRemove_StaysInsideRoot(t *testing.T) {
	d := newDir(t)
	outside := filepath.Join(t.TempDir(), "keep.png")
	if err := os.WriteFile(outside, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := d.Remove(outside); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(outside); err != nil {
		t.Errorf("file outside the root was touched: %v", err)
	}
	if err := d.Remove(filepath.Join(d.Root(), "missing.png")); err != nil {
		t.Errorf("Remove(missing) = %v", err)
	}
}

func TestFetch(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/flaky":
			if calls.Add(1) == 1 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "image/webp")
			_, _ = w.Write([]byte("webp"))
		case "/cat.jpg":
			_, _ = w.Write([]byte("jpeg"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	d := newDir(t, WithHTTPClient(srv.Client()), WithFetchRetries(2))
	ctx := context.Background()

	if p, err := d.Fetch(ctx, srv.URL+"/cat.jpg"); err != nil || filepath.Ext(p) != ".jpg" {
		t.Errorf("Fetch(cat.jpg) = %s, %v", p, err)
	}
	if p, err := d.Fetch(ctx, srv.URL+"/flaky"); err != nil || filepath.Ext(p) != ".webp" {
		t.Errorf("Fetch(flaky) = %s, %v", p, err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("flaky endpoint called %d times, want 2", n)
	}
	if _, err := d.Fetch(ctx, srv.URL+"/missing.png"); err == nil {
		t.Error("expected error for a 404")
	}
	if _, err := d.Fetch(ctx, "ftp://example.com/a.png"); err == nil {
		t.Error("expected error for a non-http scheme")
	}
}

func TestExtensionFor(t *testing.T) {
	tests := []struct {
		path, contentType, want string
	}{
		{"/a/b.PNG", "", ".png"},
		{"/a/b", "image/jpeg", ".jpg"},
		{"/a/b", "image/png; charset=binary", ".png"},
		{"/a/b", "", ""},
	}
	for _, tt := range tests {
		if got := extensionFor(tt.path, tt.contentType); got != tt.want {
			t.Errorf("extensionFor(%q, %q) = %q, want %q", tt.path, tt.contentType, got, tt.want)
		}
	}
}
