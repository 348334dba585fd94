package search

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/hyperjump/mirip/internal/embedding"
	"github.com/hyperjump/mirip/internal/indexer"
	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/partition"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/internal/vector"
)

type env struct {
	engine   *Engine
	idx      *indexer.Indexer
	embedder *embedding.MockEmbedder
	dir      string
}

func newEnv(t *testing.T, opts ...EngineOption) *env {
	t.Helper()
	store := storage.NewMemoryStore(32, vector.MetricL2)
	emb := embedding.NewMockEmbedder(24)
	policy := partition.NewPolicy("")
	return &env{
		engine:   NewEngine(store, emb, policy, opts...),
		idx:      indexer.NewIndexer(store, emb, policy),
		embedder: emb,
		dir:      t.TempDir(),
	}
}

func (e *env) image(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(e.dir, name)
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func (e *env) ingest(t *testing.T, path, group string) *models.ImageRecord {
	t.Helper()
	res, err := e.idx.Ingest(context.Background(), &models.IngestInput{Path: path, Group: group})
	if err != nil {
		t.Fatalf("Ingest(%s): %v", filepath.Base(path), err)
	}
	return res.Records[0]
}

func (e *env) search(t *testing.T, q *models.SearchQuery) *models.SearchResponse {
	t.Helper()
	resp, err := e.engine.Search(context.Background(), q)
	if err != nil {
		t.Fatalf("Search(%+v): %v", q, err)
	}
	return resp
}

func TestSearch_NearestFirst(t *testing.T) {
	e := newEnv(t)
	a := e.image(t, "a.png", "image A")
	b := e.image(t, "b.png", "image B")
	ra := e.ingest(t, a, "")
	rb := e.ingest(t, b, "")

	resp := e.search(t, &models.SearchQuery{Path: a, TopK: 2})
	if resp.Collection != partition.DefaultCollection {
		t.Errorf("collection = %q", resp.Collection)
	}
	if len(resp.Hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(resp.Hits))
	}
	first, second := resp.Hits[0], resp.Hits[1]
	if first.UUID != ra.UUID || second.UUID != rb.UUID {
		t.Errorf("order = %s, %s; want %s, %s", first.UUID, second.UUID, ra.UUID, rb.UUID)
	}
	if first.Distance > 1e-6 || first.Distance < -1e-6 {
		t.Errorf("self distance = %v, want 0", first.Distance)
	}
	if second.Distance <= 0 {
		t.Errorf("second distance = %v, want > 0", second.Distance)
	}
	if first.Rank != 1 || second.Rank != 2 {
		t.Errorf("ranks = %d, %d", first.Rank, second.Rank)
	}
	if first.Meta.Path() != a {
		t.Errorf("path = %q, want %q", first.Meta.Path(), a)
	}

	// fewer records than top_k returns all of them
	if resp := e.search(t, &models.SearchQuery{Path: a, TopK: 10}); len(resp.Hits) != 2 {
		t.Errorf("got %d hits, want 2", len(resp.Hits))
	}
}

func TestSearch_EmptyResults(t *testing.T) {
	e := newEnv(t)
	q := e.image(t, "q.png", "query")

	resp := e.search(t, &models.SearchQuery{Path: q, TopK: 5, Collection: "nothing_here"})
	if len(resp.Hits) != 0 {
		t.Errorf("got %d hits from a missing collection", len(resp.Hits))
	}
	if calls := e.embedder.Calls(); calls != 0 {
		t.Errorf("missing collection ran inference %d times", calls)
	}

	e.ingest(t, e.image(t, "a.png", "A"), "")
	for _, k := range []int{0, -3} {
		resp := e.search(t, &models.SearchQuery{Path: q, TopK: k})
		if resp.Hits == nil || len(resp.Hits) != 0 {
			t.Errorf("top_k=%d: hits = %#v, want empty non-nil", k, resp.Hits)
		}
	}
}

func TestSearch_GroupScopeAndCap(t *testing.T) {
	e := newEnv(t, WithMaxTopK(1))
	a := e.image(t, "a.png", "A")
	e.ingest(t, a, "g1")
	rb := e.ingest(t, e.image(t, "b.png", "B"), "g2")
	e.ingest(t, e.image(t, "c.png", "C"), "g2")

	resp := e.search(t, &models.SearchQuery{Path: a, TopK: 10, Group: "g2"})
	if len(resp.Hits) != 1 {
		t.Fatalf("got %d hits, want 1 (capped by max top_k)", len(resp.Hits))
	}
	if resp.Hits[0].Meta.Group() != "g2" || resp.Group != "g2" {
		t.Errorf("hit group = %q, response group = %q", resp.Hits[0].Meta.Group(), resp.Group)
	}

	resp = e.search(t, &models.SearchQuery{Path: e.image(t, "qb.png", "B"), TopK: 1, Group: "g2"})
	if len(resp.Hits) != 1 || resp.Hits[0].UUID != rb.UUID {
		t.Errorf("hits = %+v, want %s", resp.Hits, rb.UUID)
	}
}

func TestSearch_ExtractionError(t *testing.T) {
	e := newEnv(t)
	e.ingest(t, e.image(t, "a.png", "A"), "")
	_, err := e.engine.Search(context.Background(), &models.SearchQuery{Path: e.image(t, "empty.png", ""), TopK: 3})
	var ee *models.ExtractionError
	if !errors.As(err, &ee) {
		t.Errorf("Search = %v, want ExtractionError", err)
	}
}

func TestEngine_Lookups(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	r1 := e.ingest(t, e.image(t, "a.png", "A"), "g1")
	r2 := e.ingest(t, e.image(t, "b.png", "B"), "g2")
	r3 := e.ingest(t, e.image(t, "c.png", "C"), "g1")

	got, err := e.engine.Get(ctx, "", r2.UUID)
	if err != nil || got.ID != r2.ID {
		t.Errorf("Get = %+v, %v", got, err)
	}
	if _, err := e.engine.Get(ctx, "", "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get(nope) = %v, want ErrNotFound", err)
	}

	recs, err := e.engine.GetByIDs(ctx, "", []int64{r3.ID, r1.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].UUID != r3.UUID {
		t.Errorf("GetByIDs returned %d records, first %+v", len(recs), recs)
	}

	tests := []struct {
		group         string
		offset, limit int
		want          []models.ImageRef
	}{
		{"g1", 0, 0, []models.ImageRef{{ID: r1.ID, UUID: r1.UUID}, {ID: r3.ID, UUID: r3.UUID}}},
		{"", 1, 1, []models.ImageRef{{ID: r2.ID, UUID: r2.UUID}}},
	}
	for _, tt := range tests {
		refs, err := e.engine.List(ctx, "", tt.group, tt.offset, tt.limit)
		if err != nil || !reflect.DeepEqual(refs, tt.want) {
			t.Errorf("List(%q, %d, %d) = %v, %v; want %v", tt.group, tt.offset, tt.limit, refs, err, tt.want)
		}
	}

	groups, err := e.engine.Groups(ctx, "")
	if err != nil || !reflect.DeepEqual(groups, []string{"g1", "g2"}) {
		t.Errorf("Groups = %v, %v", groups, err)
	}
	groups, err = e.engine.Groups(ctx, "empty_collection")
	if err != nil || groups == nil || len(groups) != 0 {
		t.Errorf("Groups(empty_collection) = %#v, %v; want empty", groups, err)
	}
}
