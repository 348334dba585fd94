// Package models defines core data structures for image records, search hits and errors.
package models

import "time"

// Meta keys written by the ingestion pipeline.
const (
	MetaPath  = "path"
	MetaExt   = "ext"
	MetaGroup = "group"
	MetaExtra = "extra"
)

// Meta is the open key-value structure stored with every record as JSON.
type Meta map[string]interface{}

// Group returns the partition group the record was ingested with, or "" when unscoped.
func (m Meta) Group() string {
	return m.str(MetaGroup)
}

// Path returns the source path recorded at ingestion time.
func (m Meta) Path() string {
	return m.str(MetaPath)
}

// Ext returns the lower-case file extension without the dot.
func (m Meta) Ext() string {
	return m.str(MetaExt)
}

func (m Meta) str(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// ImageRecord is the persisted unit: one embedding plus identity metadata.
type ImageRecord struct {
	// ID is assigned by the store on insert.
	ID          int64     `json:"id"`
	UUID        string    `json:"uuid"`
	ContentHash string    `json:"md5"`
	Embedding   []float32 `json:"-"`
	Meta        Meta      `json:"meta"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// ImageRef is the short form returned by list endpoints.
type ImageRef struct {
	ID   int64  `json:"id"`
	UUID string `json:"uuid"`
}

// IngestInput is the input for a single ingestion.
type IngestInput struct {
	Collection string      `json:"collection,omitempty"`
	Path       string      `json:"path"`
	Group      string      `json:"group,omitempty"`
	Extra      interface{} `json:"extra,omitempty"`
}

// IngestResult reports what happened to a single ingestion.
type IngestResult struct {
	Records   []*ImageRecord `json:"records"`
	Duplicate bool           `json:"duplicate"`
}

// LoadReport summarizes a bulk directory load.
type LoadReport struct {
	Total      int               `json:"total"`
	Inserted   int               `json:"inserted"`
	Duplicates int               `json:"duplicates"`
	Failed     int               `json:"failed"`
	Errors     map[string]string `json:"errors,omitempty"`
}
