package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to a
// store scan.
type Service struct {
	meili *Meili
	scan  *Scan
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, scan *Scan) *Service {
	return &Service{meili: meili, scan: scan}
}

// Search tries Meilisearch if healthy, otherwise scans the store.
func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to store scan: %v", err)
	}

	results, total, err := s.scan.Search(ctx, q)
	if err != nil {
		log.Printf("search: store scan error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexPage indexes a page (fire-and-forget to Meilisearch).
func (s *Service) IndexPage(rec PageRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexPage(rec); err != nil {
			log.Printf("search: index page %s: %v", rec.ID, err)
		}
	}()
}

// IndexPages bulk-indexes a binder's pages (fire-and-forget).
func (s *Service) IndexPages(recs []PageRecord) {
	if s.meili == nil || !s.meili.Healthy() || len(recs) == 0 {
		return
	}
	go func() {
		if err := s.meili.IndexPages(recs); err != nil {
			log.Printf("search: index %d pages: %v", len(recs), err)
		}
	}()
}

// DeletePage removes a page from the search index (fire-and-forget).
func (s *Service) DeletePage(binderID string, pageID int64) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeletePage(binderID, pageID); err != nil {
			log.Printf("search: delete page %s/%d: %v", binderID, pageID, err)
		}
	}()
}

// DeleteBinder removes every indexed page of a binder (fire-and-forget).
func (s *Service) DeleteBinder(binderID string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteBinder(binderID); err != nil {
			log.Printf("search: delete binder %s: %v", binderID, err)
		}
	}()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
