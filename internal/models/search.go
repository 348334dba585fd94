package models

// SearchQuery is a similarity query by image.
type SearchQuery struct {
	Collection string `json:"collection,omitempty"`
	Path       string `json:"path"`
	TopK       int    `json:"top_k,omitempty"`
	Group      string `json:"group,omitempty"`
}

// SearchHit is one nearest-neighbor result. Distance is in the store's configured metric;
// lower is closer.
type SearchHit struct {
	ID       int64   `json:"id"`
	UUID     string  `json:"uuid"`
	Distance float64 `json:"distance"`
	Meta     Meta    `json:"meta,omitempty"`
	Rank     int     `json:"rank"`
}

// SearchResponse is the response for a search request. Hits are ordered by ascending distance.
type SearchResponse struct {
	Collection string       `json:"collection"`
	Group      string       `json:"group,omitempty"`
	Hits       []*SearchHit `json:"hits"`
	QueryTime  int64        `json:"query_time_ms"`
}
