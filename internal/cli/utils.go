// Package cli provides CLI output helpers for mirip.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/hyperjump/mirip/internal/models"
	"github.com/hyperjump/mirip/internal/storage"
	"github.com/hyperjump/mirip/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const pathWidth = 60

// ParseFormat parses an -output flag value. Empty selects OutputText.
func ParseFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(s))) {
	case OutputText, "":
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (supported: text, json)", s)
	}
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	scope := response.Collection
	if response.Group != "" {
		scope += "/" + response.Group
	}
	fmt.Fprintf(w, "\nFound %d similar images in %s (%dms)\n\n", len(response.Hits), scope, response.QueryTime)
	for _, hit := range response.Hits {
		fmt.Fprintf(w, "%3d. %s  distance=%.6f  id=%d\n", hit.Rank, hit.UUID, hit.Distance, hit.ID)
		if p := hit.Meta.Path(); p != "" {
			fmt.Fprintf(w, "     %s\n", utils.Truncate(p, pathWidth))
		}
		if g := hit.Meta.Group(); g != "" && response.Group == "" {
			fmt.Fprintf(w, "     group: %s\n", g)
		}
	}
	return nil
}

// WriteIngestResult writes the outcome of a single upload.
func WriteIngestResult(w io.Writer, res *models.IngestResult, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, res)
	}
	verb := "inserted"
	if res.Duplicate {
		verb = "duplicate of"
	}
	for _, rec := range res.Records {
		fmt.Fprintf(w, "%s %s (id=%d, md5=%s)\n", verb, rec.UUID, rec.ID, rec.ContentHash)
	}
	return nil
}

// WriteLoadReport writes a bulk load summary followed by per-file failures in path order.
func WriteLoadReport(w io.Writer, report *models.LoadReport, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, report)
	}
	fmt.Fprintf(w, "Loaded %d files: %d inserted, %d duplicates, %d failed\n",
		report.Total, report.Inserted, report.Duplicates, report.Failed)
	paths := make([]string, 0, len(report.Errors))
	for p := range report.Errors {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		fmt.Fprintf(w, "  %s: %s\n", p, report.Errors[p])
	}
	return nil
}

// WriteRecords writes stored records, one per line in text mode.
func WriteRecords(w io.Writer, records []*models.ImageRecord, format OutputFormat) error {
	if format == OutputJSON {
		if records == nil {
			records = []*models.ImageRecord{}
		}
		return WriteJSON(w, records)
	}
	for _, rec := range records {
		line := fmt.Sprintf("%d\t%s\t%s", rec.ID, rec.UUID, rec.ContentHash)
		if g := rec.Meta.Group(); g != "" {
			line += "\t" + g
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// WriteRefs writes {id, uuid} pairs, tab-separated in text mode.
func WriteRefs(w io.Writer, refs []models.ImageRef, format OutputFormat) error {
	if format == OutputJSON {
		if refs == nil {
			refs = []models.ImageRef{}
		}
		return WriteJSON(w, refs)
	}
	for _, ref := range refs {
		fmt.Fprintf(w, "%d\t%s\n", ref.ID, ref.UUID)
	}
	return nil
}

// WriteStatus writes per-collection statistics.
func WriteStatus(w io.Writer, stats []storage.CollectionStats, diskBytes int64, format OutputFormat) error {
	if format == OutputJSON {
		if stats == nil {
			stats = []storage.CollectionStats{}
		}
		return WriteJSON(w, map[string]interface{}{
			"collections":      stats,
			"disk_usage_bytes": diskBytes,
		})
	}
	if len(stats) == 0 {
		fmt.Fprintln(w, "No collections")
	}
	for _, st := range stats {
		fmt.Fprintf(w, "%s: %d records (dim=%d, metric=%s, index=%s, vectors=%d)\n",
			st.Name, st.Records, st.Dimension, st.Metric, st.IndexType, st.IndexedVectors)
	}
	fmt.Fprintf(w, "Disk usage: %s\n", FormatBytes(diskBytes))
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
