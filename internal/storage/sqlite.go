package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/partition"
	"github.com/hyperjump/mirip/internal/vector"
	"github.com/hyperjump/mirip/pkg/utils"
	"go.uber.org/zap"
)

// SQLiteStore implements RecordStore with SQLite as the source of truth and one in-process
// vector index per collection, hydrated from the database on first use.
type SQLiteStore struct {
	db        *sql.DB
	dimension int
	metric    vector.Metric
	indexType string
	logger    *zap.Logger

	mu          sync.Mutex
	collections map[string]*collectionIndex
}

// collectionIndex serializes writes to one collection and holds its search index.
// index is nil until the first search or write after open.
type collectionIndex struct {
	mu      sync.RWMutex
	index   vector.VectorIndex
	entries map[string]indexEntry // vector ID (record id) -> identity
}

type indexEntry struct {
	uuid  string
	group string
}

// SQLiteOption configures a SQLiteStore.
type SQLiteOption func(*SQLiteStore)

// WithLogger sets a logger for collection lifecycle and hydration events.
func WithLogger(l *zap.Logger) SQLiteOption {
	return func(s *SQLiteStore) { s.logger = l }
}

// WithIndexType selects the vector index backend ("memory" or "faiss").
func WithIndexType(t string) SQLiteOption {
	return func(s *SQLiteStore) { s.indexType = t }
}

// NewSQLiteStore opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStore(dbPath string, dimension int, metric vector.Metric, opts ...SQLiteOption) (*SQLiteStore, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("dimension must be positive")
	}
	if metric == "" {
		metric = vector.MetricL2
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &SQLiteStore{
		db:          db,
		dimension:   dimension,
		metric:      metric,
		indexType:   string(vector.IndexTypeMemory),
		collections: make(map[string]*collectionIndex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = utils.OrNop(s.logger)
	return s, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		dimension INTEGER NOT NULL,
		metric TEXT NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		uuid TEXT NOT NULL,
		md5 TEXT NOT NULL DEFAULT '',
		embedding BLOB NOT NULL,
		meta TEXT NOT NULL DEFAULT '{}',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_images_collection_md5 ON images(collection, md5);
	CREATE INDEX IF NOT EXISTS idx_images_collection_uuid ON images(collection, uuid);
	CREATE INDEX IF NOT EXISTS idx_images_collection_group ON images(collection, json_extract(meta, '$.group'));
	`
	_, err := db.Exec(schema)
	return err
}

// Dimensions returns the fixed embedding dimension of every collection.
func (s *SQLiteStore) Dimensions() int {
	return s.dimension
}

// EnsureCollection creates the collection if it does not exist. An existing collection with a
// different dimension or metric is a schema mismatch.
func (s *SQLiteStore) EnsureCollection(ctx context.Context, name string) error {
	var dim int
	var metric string
	err := s.db.QueryRowContext(ctx,
		`SELECT dimension, metric FROM collections WHERE name = ?`, name,
	).Scan(&dim, &metric)
	switch {
	case err == sql.ErrNoRows:
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO collections (name, dimension, metric, created_at) VALUES (?, ?, ?, ?)`,
			name, s.dimension, string(s.metric), time.Now(),
		); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		s.logger.Debug("collection created", zap.String("collection", name), zap.Int("dimension", s.dimension))
		return nil
	case err != nil:
		return err
	}
	if dim != s.dimension || metric != string(s.metric) {
		return fmt.Errorf("collection %q schema mismatch: stored dimension=%d metric=%s, configured dimension=%d metric=%s",
			name, dim, metric, s.dimension, s.metric)
	}
	return nil
}

// HasCollection reports whether the collection exists.
func (s *SQLiteStore) HasCollection(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, name).Scan(&n)
	return n > 0, err
}

// DropCollection removes the collection and all of its records. Dropping a missing collection is a no-op.
func (s *SQLiteStore) DropCollection(ctx context.Context, name string) error {
	ok, err := s.HasCollection(ctx, name)
	if err != nil || !ok {
		return err
	}
	c := s.collection(name)
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE collection = ?`, name); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM collections WHERE name = ?`, name); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if c.index != nil {
		_ = c.index.Close()
	}
	c.index = nil
	c.entries = nil
	s.logger.Debug("collection dropped", zap.String("collection", name))
	return nil
}

// Insert writes records in one transaction and then adds their vectors to the collection index.
// If the index update fails the rows are deleted again, so callers never see a partial insert.
func (s *SQLiteStore) Insert(ctx context.Context, collection string, records []*models.ImageRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if len(r.Embedding) != s.dimension {
			return fmt.Errorf("embedding dimension mismatch for %s: got %d, expected %d", r.UUID, len(r.Embedding), s.dimension)
		}
	}
	ok, err := s.HasCollection(ctx, collection)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrCollectionNotFound
	}

	c := s.collection(collection)
	c.mu.Lock()
	defer c.mu.Unlock()

	metas := make([]string, len(records))
	for i, r := range records {
		b, err := json.Marshal(r.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal meta: %w", err)
		}
		metas[i] = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// A drop may have committed between the check above and taking c.mu.
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM collections WHERE name = ?`, collection).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return models.ErrCollectionNotFound
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO images (collection, uuid, md5, embedding, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now()
	ids := make([]int64, len(records))
	for i, r := range records {
		res, err := stmt.ExecContext(ctx, collection, r.UUID, r.ContentHash, encodeVector(r.Embedding), metas[i], now)
		if err != nil {
			return err
		}
		if ids[i], err = res.LastInsertId(); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// An unhydrated index will pick the rows up from the database on first use.
	if c.index != nil {
		vecIDs := make([]string, len(records))
		vectors := make([][]float32, len(records))
		for i, r := range records {
			vecIDs[i] = strconv.FormatInt(ids[i], 10)
			vectors[i] = r.Embedding
		}
		if err := c.index.Add(ctx, vecIDs, vectors); err != nil {
			if _, delErr := s.db.ExecContext(context.Background(),
				`DELETE FROM images WHERE id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...); delErr != nil {
				s.logger.Error("rollback of unindexed rows failed", zap.String("collection", collection), zap.Error(delErr))
			}
			return fmt.Errorf("failed to index vectors: %w", err)
		}
		for i, r := range records {
			c.entries[vecIDs[i]] = indexEntry{uuid: r.UUID, group: r.Meta.Group()}
		}
	}
	for i, r := range records {
		r.ID = ids[i]
		r.CreatedAt = now
	}
	return nil
}

// Search runs a nearest-neighbor query against the collection index.
func (s *SQLiteStore) Search(ctx context.Context, collection string, query []float32, topK int, group string) ([]*models.SearchHit, error) {
	if len(query) != s.dimension {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), s.dimension)
	}
	ok, err := s.HasCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrCollectionNotFound
	}
	if topK <= 0 {
		return nil, nil
	}
	c, err := s.hydrated(ctx, collection)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.index == nil {
		// dropped between hydration and search
		return nil, nil
	}

	var filter vector.Filter
	if scope := (partition.Scope{Collection: collection, Group: group}); scope.Scoped() {
		filter = func(id string) bool { return scope.Matches(c.entries[id].group) }
	}
	results, err := c.index.Search(ctx, query, topK, filter)
	if err != nil {
		return nil, err
	}
	hits := make([]*models.SearchHit, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt vector id %q: %w", r.ID, err)
		}
		hits = append(hits, &models.SearchHit{
			ID:       id,
			UUID:     c.entries[r.ID].uuid,
			Distance: r.Distance,
		})
	}
	return hits, nil
}

// Delete removes all records with uuid, restricted to group when non-empty.
func (s *SQLiteStore) Delete(ctx context.Context, collection, uuid, group string) (int64, error) {
	ok, err := s.HasCollection(ctx, collection)
	if err != nil || !ok {
		return 0, err
	}
	c := s.collection(collection)
	c.mu.Lock()
	defer c.mu.Unlock()

	q, args := whereGroup(`SELECT id FROM images WHERE collection = ? AND uuid = ?`,
		[]interface{}{collection, uuid}, group)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if c.index != nil {
		vecIDs := make([]string, len(ids))
		for i, id := range ids {
			vecIDs[i] = strconv.FormatInt(id, 10)
			delete(c.entries, vecIDs[i])
		}
		if err := c.index.Remove(ctx, vecIDs); err != nil {
			// Force a rebuild from the database on next use.
			_ = c.index.Close()
			c.index = nil
			c.entries = nil
			s.logger.Warn("vector index remove failed, index will be rebuilt", zap.String("collection", collection), zap.Error(err))
		}
	}
	return n, nil
}

// Count returns the number of records in the collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int64, error) {
	ok, err := s.HasCollection(ctx, collection)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, models.ErrCollectionNotFound
	}
	var count int64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images WHERE collection = ?`, collection).Scan(&count)
	return count, err
}

const recordColumns = `id, uuid, md5, meta, created_at`

// FindByHash returns records with the given content hash, oldest first.
func (s *SQLiteStore) FindByHash(ctx context.Context, collection, hash, group string) ([]*models.ImageRecord, error) {
	ok, err := s.HasCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrCollectionNotFound
	}
	q, args := whereGroup(`SELECT `+recordColumns+` FROM images WHERE collection = ? AND md5 = ?`,
		[]interface{}{collection, hash}, group)
	q += ` ORDER BY id`
	return s.queryRecords(ctx, q, args...)
}

// GetByUUID returns the oldest record with uuid, or models.ErrNotFound.
func (s *SQLiteStore) GetByUUID(ctx context.Context, collection, uuid string) (*models.ImageRecord, error) {
	records, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM images WHERE collection = ? AND uuid = ? ORDER BY id LIMIT 1`,
		collection, uuid)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("image %s: %w", uuid, models.ErrNotFound)
	}
	return records[0], nil
}

// GetByIDs returns the records with the given primary IDs in the order requested. Unknown IDs are skipped.
func (s *SQLiteStore) GetByIDs(ctx context.Context, collection string, ids []int64) ([]*models.ImageRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := append([]interface{}{collection}, int64Args(ids)...)
	records, err := s.queryRecords(ctx,
		`SELECT `+recordColumns+` FROM images WHERE collection = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*models.ImageRecord, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}
	out := make([]*models.ImageRecord, 0, len(records))
	for _, id := range ids {
		if r, ok := byID[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListRecords returns records ordered by ID, restricted to group when non-empty.
// A non-positive limit returns everything after offset.
func (s *SQLiteStore) ListRecords(ctx context.Context, collection, group string, offset, limit int) ([]*models.ImageRecord, error) {
	q, args := whereGroup(`SELECT `+recordColumns+` FROM images WHERE collection = ?`,
		[]interface{}{collection}, group)
	if limit <= 0 {
		limit = -1
	}
	q += ` ORDER BY id LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return s.queryRecords(ctx, q, args...)
}

// ListGroups returns the distinct non-empty meta.group values of the collection.
func (s *SQLiteStore) ListGroups(ctx context.Context, collection string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT json_extract(meta, '$.group') FROM images
		 WHERE collection = ? AND json_extract(meta, '$.group') IS NOT NULL
		   AND json_extract(meta, '$.group') != ''
		 ORDER BY 1`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// Stats returns per-collection record counts and index state.
func (s *SQLiteStore) Stats(ctx context.Context) ([]CollectionStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.name, c.dimension, c.metric, COUNT(i.id)
		 FROM collections c LEFT JOIN images i ON i.collection = c.name
		 GROUP BY c.name ORDER BY c.created_at, c.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stats []CollectionStats
	for rows.Next() {
		var st CollectionStats
		if err := rows.Scan(&st.Name, &st.Dimension, &st.Metric, &st.Records); err != nil {
			return nil, err
		}
		st.IndexType = s.indexType
		c := s.collection(st.Name)
		c.mu.RLock()
		if c.index != nil {
			st.IndexedVectors = c.index.Size()
		}
		c.mu.RUnlock()
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// Close closes all vector indexes and the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	for _, c := range s.collections {
		c.mu.Lock()
		if c.index != nil {
			_ = c.index.Close()
			c.index = nil
		}
		c.mu.Unlock()
	}
	s.mu.Unlock()
	return s.db.Close()
}

func (s *SQLiteStore) collection(name string) *collectionIndex {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[name]
	if !ok {
		c = &collectionIndex{}
		s.collections[name] = c
	}
	return c
}

// hydrated returns the collection with its index loaded from the database.
func (s *SQLiteStore) hydrated(ctx context.Context, name string) (*collectionIndex, error) {
	c := s.collection(name)
	c.mu.RLock()
	ready := c.index != nil
	c.mu.RUnlock()
	if ready {
		return c, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index != nil {
		return c, nil
	}
	idx, err := vector.NewVectorIndex(s.indexType, s.dimension, s.metric)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]indexEntry)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uuid, embedding, json_extract(meta, '$.group') FROM images WHERE collection = ? ORDER BY id`, name)
	if err != nil {
		_ = idx.Close()
		return nil, err
	}
	defer rows.Close()

	const batchSize = 256
	var (
		ids     []string
		vectors [][]float32
	)
	flush := func() error {
		if len(ids) == 0 {
			return nil
		}
		err := idx.Add(ctx, ids, vectors)
		ids, vectors = ids[:0], vectors[:0]
		return err
	}
	for rows.Next() {
		var (
			id    int64
			uuid  string
			blob  []byte
			group sql.NullString
		)
		if err := rows.Scan(&id, &uuid, &blob, &group); err != nil {
			_ = idx.Close()
			return nil, err
		}
		vec, err := decodeVector(blob, s.dimension)
		if err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("record %d: %w", id, err)
		}
		key := strconv.FormatInt(id, 10)
		entries[key] = indexEntry{uuid: uuid, group: group.String}
		ids = append(ids, key)
		vectors = append(vectors, vec)
		if len(ids) >= batchSize {
			if err := flush(); err != nil {
				_ = idx.Close()
				return nil, err
			}
		}
	}
	if err := rows.Err(); err != nil {
		_ = idx.Close()
		return nil, err
	}
	if err := flush(); err != nil {
		_ = idx.Close()
		return nil, err
	}
	c.index = idx
	c.entries = entries
	s.logger.Debug("vector index hydrated", zap.String("collection", name), zap.Int("vectors", idx.Size()))
	return c, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, q string, args ...interface{}) ([]*models.ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []*models.ImageRecord
	for rows.Next() {
		var r models.ImageRecord
		var metaJSON string
		if err := rows.Scan(&r.ID, &r.UUID, &r.ContentHash, &metaJSON, &r.CreatedAt); err != nil {
			return nil, err
		}
		if metaJSON != "" {
			if err := json.Unmarshal([]byte(metaJSON), &r.Meta); err != nil {
				return nil, fmt.Errorf("failed to unmarshal meta of record %d: %w", r.ID, err)
			}
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}

// whereGroup appends the meta.group predicate of a scoped operation to q.
func whereGroup(q string, args []interface{}, group string) (string, []interface{}) {
	if !(partition.Scope{Group: group}).Scoped() {
		return q, args
	}
	return q + ` AND json_extract(meta, '$.group') = ?`, append(args, group)
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

var _ RecordStore = (*SQLiteStore)(nil)

// IsNotFound reports whether err means a missing record or collection.
func IsNotFound(err error) bool {
	return errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrCollectionNotFound)
}
