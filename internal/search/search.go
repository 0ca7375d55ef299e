package search

import (
	"context"
	"strconv"
)

// Result is a single search hit returned to the caller.
type Result struct {
	BinderID string `json:"binderId"`
	PageID   int64  `json:"pageId"`
	Slot     string `json:"slot"`
	Snippet  string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text     string
	BinderID string // empty = all binders
	Limit    int
	Offset   int
}

// Response is the envelope returned to callers.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over page text.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push page records into a search index.
type Indexer interface {
	IndexPage(rec PageRecord) error
	IndexPages(recs []PageRecord) error
	DeletePage(binderID string, pageID int64) error
	DeleteBinder(binderID string) error
}

// PageRecord is the data we index for a page: every text slot of both
// sides, flattened into one field.
type PageRecord struct {
	ID       string `json:"id"`
	BinderID string `json:"binderId"`
	PageID   int64  `json:"pageId"`
	Text     string `json:"text"`
}

// RecordID builds the index document ID for a page. Meilisearch only
// accepts alphanumerics, hyphens and underscores, which binder IDs already
// satisfy; the legacy unnamed binder gets a literal placeholder.
func RecordID(binderID string, pageID int64) string {
	if binderID == "" {
		binderID = "legacy"
	}
	return binderID + "-" + strconv.FormatInt(pageID, 10)
}
