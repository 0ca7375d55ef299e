// Package app ties the storage layers into one session: the selected
// binder, debounced page writes, quota maintenance and search indexing.
package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"binderkeep/core/internal/config"
	"binderkeep/core/internal/imagestore"
	"binderkeep/core/internal/kv"
	"binderkeep/core/internal/migrate"
	"binderkeep/core/internal/pagestore"
	"binderkeep/core/internal/quota"
	"binderkeep/core/internal/registry"
	"binderkeep/core/internal/search"
	"binderkeep/core/internal/util"
)

const (
	// MaxPages is the hard per-binder page limit.
	MaxPages = 50
	// addPageBlockPercent refuses new pages when usage is at or above it.
	addPageBlockPercent = 95
	// maintainCleanupPercent triggers the background image cleanup.
	maintainCleanupPercent = 85
)

// Usage is a point-in-time storage report.
type Usage struct {
	UsedBytes     int64   `json:"usedBytes"`
	CapacityBytes int64   `json:"capacityBytes"`
	Percent       float64 `json:"percent"`
}

// Service is one storage session. Page edits arrive through it so that the
// debounce window, the binder-identity check on delayed writes, and the
// search index stay consistent.
type Service struct {
	cfg      config.Config
	kv       kv.Store
	monitor  *quota.Monitor
	registry *registry.Registry
	pages    *pagestore.Store
	images   imagestore.Store
	migrator *migrate.Engine
	search   *search.Service

	mu         sync.Mutex
	pending    []*pagestore.Page
	pendingFor string
	flushTimer *time.Timer
}

func New(cfg config.Config, store kv.Store, monitor *quota.Monitor, reg *registry.Registry,
	pages *pagestore.Store, images imagestore.Store, migrator *migrate.Engine, searcher *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		kv:       store,
		monitor:  monitor,
		registry: reg,
		pages:    pages,
		images:   images,
		migrator: migrator,
		search:   searcher,
	}
}

// Bootstrap runs pending migrations, guarantees at least one binder exists,
// and repairs a dangling binder selection.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.migrator.Run(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	binders, err := s.registry.Binders(ctx)
	if err != nil {
		return err
	}
	if len(binders) == 0 {
		binder, err := s.registry.CreateBinder(ctx, "")
		if err != nil {
			return err
		}
		log.Printf("app: created initial binder %s", binder.ID)
		return nil
	}

	selected, err := s.registry.SelectedBinderID(ctx)
	if err != nil {
		return err
	}
	for _, binder := range binders {
		if binder.ID == selected {
			return nil
		}
	}
	log.Printf("app: selected binder %q missing, falling back to %s", selected, binders[0].ID)
	return s.registry.SetSelectedBinderID(ctx, binders[0].ID)
}

// SelectedBinder returns the active binder, falling back to the first one
// when the stored selection is empty or dangling.
func (s *Service) SelectedBinder(ctx context.Context) (registry.Binder, error) {
	binders, err := s.registry.Binders(ctx)
	if err != nil {
		return registry.Binder{}, err
	}
	if len(binders) == 0 {
		return registry.Binder{}, ErrNoBinderSelected
	}
	selected, err := s.registry.SelectedBinderID(ctx)
	if err != nil {
		return registry.Binder{}, err
	}
	for _, binder := range binders {
		if binder.ID == selected {
			return binder, nil
		}
	}
	return binders[0], nil
}

// SelectBinder flushes pending writes for the old binder, then switches.
func (s *Service) SelectBinder(ctx context.Context, binderID string) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	binders, err := s.registry.Binders(ctx)
	if err != nil {
		return err
	}
	for _, binder := range binders {
		if binder.ID == binderID {
			return s.registry.SetSelectedBinderID(ctx, binderID)
		}
	}
	return ErrBinderNotFound
}

// CreateBinder flushes pending writes, then creates and selects a binder.
func (s *Service) CreateBinder(ctx context.Context, name string) (registry.Binder, error) {
	if err := s.Flush(ctx); err != nil {
		return registry.Binder{}, err
	}
	return s.registry.CreateBinder(ctx, name)
}

func (s *Service) RenameBinder(ctx context.Context, binderID, name string) error {
	return s.registry.RenameBinder(ctx, binderID, name)
}

// DeleteBinder removes the binder's synchronous keys, its images in the
// image store, and its search records. Pending writes for it are discarded.
func (s *Service) DeleteBinder(ctx context.Context, binderID string) error {
	s.discardPending(binderID)
	if err := s.registry.DeleteBinder(ctx, binderID); err != nil {
		return err
	}
	if err := s.images.RemoveAllForBinder(ctx, binderID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteBinder(binderID)
	}
	return nil
}

// Pages loads the active binder's pages with image references resolved,
// in display order.
func (s *Service) Pages(ctx context.Context) ([]*pagestore.Page, error) {
	binder, err := s.SelectedBinder(ctx)
	if err != nil {
		return nil, err
	}
	pages, err := s.pages.LoadAll(ctx, binder.ID)
	if err != nil {
		return nil, err
	}
	return pagestore.Sorted(pages), nil
}

// AddPage creates a blank page after the given one (0 = append at the end)
// and persists the whole list. It refuses when the binder is at the page
// limit or storage is nearly full.
func (s *Service) AddPage(ctx context.Context, afterPageID int64) (*pagestore.Page, error) {
	binder, err := s.SelectedBinder(ctx)
	if err != nil {
		return nil, err
	}
	pages, err := s.loadRawPages(ctx, binder.ID)
	if err != nil {
		return nil, err
	}
	if len(pages) >= MaxPages {
		return nil, fmt.Errorf("%w (%d pages)", ErrPageLimit, len(pages))
	}
	usage, err := s.monitor.UsagePercent(ctx)
	if err != nil {
		return nil, err
	}
	if usage >= addPageBlockPercent {
		return nil, fmt.Errorf("%w (%.0f%% used)", ErrStorageFull, usage)
	}

	page := &pagestore.Page{
		ID:            util.NowMillis(),
		Cover:         "right",
		GridSize:      "2x2",
		Content:       pagestore.Grid{},
		BackContent:   pagestore.Grid{},
		RotatedImages: map[string]float64{},
	}
	if len(pages) == 0 {
		page.IsCover = true
	}
	order, _ := pagestore.InsertOrder(pages, afterPageID)
	page.SetOrder(order)

	all := pagestore.Sorted(append(pages, page))
	if err := s.pages.SaveAll(ctx, binder.ID, all); err != nil {
		return nil, err
	}
	s.indexPages(binder.ID, all)
	return page, nil
}

// UpdatePage saves one page immediately, superseding any pending debounced
// write for its binder.
func (s *Service) UpdatePage(ctx context.Context, page *pagestore.Page) error {
	binder, err := s.SelectedBinder(ctx)
	if err != nil {
		return err
	}
	s.discardPending(binder.ID)
	if err := s.pages.Save(ctx, binder.ID, page); err != nil {
		return err
	}
	if err := s.pages.EnsureIndexed(ctx, binder.ID, page.ID); err != nil {
		return err
	}
	s.indexPages(binder.ID, []*pagestore.Page{page})
	return nil
}

// SchedulePages registers the full page list for a debounced write. Each
// call resets the window; the write is discarded if the binder selection
// changed before it fires.
func (s *Service) SchedulePages(ctx context.Context, pages []*pagestore.Page) error {
	binder, err := s.SelectedBinder(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = pages
	s.pendingFor = binder.ID
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = time.AfterFunc(s.cfg.Debounce, s.flushPending)
	return nil
}

func (s *Service) flushPending() {
	ctx := context.Background()

	s.mu.Lock()
	pages, binderID := s.pending, s.pendingFor
	s.pending = nil
	s.flushTimer = nil
	s.mu.Unlock()

	if pages == nil {
		return
	}
	selected, err := s.registry.SelectedBinderID(ctx)
	if err != nil {
		log.Printf("app: debounced save: %v", err)
		return
	}
	if selected != binderID {
		log.Printf("app: discarding debounced save for %s, binder changed", binderID)
		return
	}
	if err := s.pages.SaveAll(ctx, binderID, pages); err != nil {
		log.Printf("app: debounced save: %v", err)
		return
	}
	s.indexPages(binderID, pages)
}

// Flush writes any pending debounced pages now. A pending write whose
// binder is no longer selected is discarded.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	pages, binderID := s.pending, s.pendingFor
	s.pending = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()

	if pages == nil {
		return nil
	}
	selected, err := s.registry.SelectedBinderID(ctx)
	if err != nil {
		return err
	}
	if selected != binderID {
		log.Printf("app: discarding pending save for %s, binder changed", binderID)
		return nil
	}
	if err := s.pages.SaveAll(ctx, binderID, pages); err != nil {
		return err
	}
	s.indexPages(binderID, pages)
	return nil
}

// discardPending drops a scheduled write for the binder without running it.
func (s *Service) discardPending(binderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingFor != binderID {
		return
	}
	s.pending = nil
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

// DeletePage flushes pending writes, then removes the page, its images and
// its search record.
func (s *Service) DeletePage(ctx context.Context, pageID int64) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	binder, err := s.SelectedBinder(ctx)
	if err != nil {
		return err
	}
	if err := s.pages.Delete(ctx, binder.ID, pageID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeletePage(binder.ID, pageID)
	}
	return nil
}

// MovePageUp swaps the page with its predecessor in display order.
func (s *Service) MovePageUp(ctx context.Context, pageID int64) error {
	return s.swapPage(ctx, pageID, true)
}

// MovePageDown swaps the page with its successor in display order.
func (s *Service) MovePageDown(ctx context.Context, pageID int64) error {
	return s.swapPage(ctx, pageID, false)
}

func (s *Service) swapPage(ctx context.Context, pageID int64, up bool) error {
	binder, err := s.SelectedBinder(ctx)
	if err != nil {
		return err
	}
	pages, err := s.loadRawPages(ctx, binder.ID)
	if err != nil {
		return err
	}
	if !pagestore.Swap(pages, pageID, up) {
		return nil
	}
	return s.pages.SaveAll(ctx, binder.ID, pagestore.Sorted(pages))
}

// MovePageTo moves the page to the given position and renumbers the list.
func (s *Service) MovePageTo(ctx context.Context, pageID int64, targetIndex int) error {
	binder, err := s.SelectedBinder(ctx)
	if err != nil {
		return err
	}
	pages, err := s.loadRawPages(ctx, binder.ID)
	if err != nil {
		return err
	}
	if !pagestore.MoveTo(pages, pageID, targetIndex) {
		return nil
	}
	return s.pages.SaveAll(ctx, binder.ID, pagestore.Sorted(pages))
}

// DeleteAllPages removes every page record of the active binder. Extracted
// images stay in the image store.
func (s *Service) DeleteAllPages(ctx context.Context) error {
	binder, err := s.SelectedBinder(ctx)
	if err != nil {
		return err
	}
	s.discardPending(binder.ID)
	if err := s.pages.DeleteAllPages(ctx, binder.ID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteBinder(binder.ID)
	}
	return nil
}

// ResetBinder wipes the active binder back to a blank state: pages, images,
// gallery and settings.
func (s *Service) ResetBinder(ctx context.Context) error {
	binder, err := s.SelectedBinder(ctx)
	if err != nil {
		return err
	}
	s.discardPending(binder.ID)
	if err := s.pages.DeleteAllPages(ctx, binder.ID); err != nil {
		return err
	}
	if err := s.images.RemoveAllForBinder(ctx, binder.ID); err != nil {
		return err
	}
	if err := s.registry.SaveSettings(ctx, binder.ID, registry.DefaultSettings()); err != nil {
		return err
	}
	if err := s.registry.SaveGalleryURLs(ctx, binder.ID, nil); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteBinder(binder.ID)
	}
	return nil
}

// Usage reports current storage consumption.
func (s *Service) Usage(ctx context.Context) (Usage, error) {
	used, err := s.monitor.UsedBytes(ctx)
	if err != nil {
		return Usage{}, err
	}
	percent, err := s.monitor.UsagePercent(ctx)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		UsedBytes:     used,
		CapacityBytes: s.monitor.Capacity(),
		Percent:       percent,
	}, nil
}

// Maintain runs the periodic image cleanup when usage crosses the
// threshold. Backends without eviction (the image database) need none.
func (s *Service) Maintain(ctx context.Context) error {
	evictor, ok := s.images.(imagestore.Evictor)
	if !ok {
		return nil
	}
	usage, err := s.monitor.UsagePercent(ctx)
	if err != nil {
		return err
	}
	if usage < maintainCleanupPercent {
		return nil
	}
	log.Printf("app: usage at %.1f%%, running image cleanup", usage)
	binders, err := s.registry.Binders(ctx)
	if err != nil {
		return err
	}
	for _, binder := range binders {
		if err := evictor.Cleanup(ctx, binder.ID, false); err != nil {
			log.Printf("app: cleanup binder %s: %v", binder.ID, err)
		}
	}
	return nil
}

// Search queries the page text index, scoped to the active binder unless
// the query names one.
func (s *Service) Search(ctx context.Context, q search.Query) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	if q.BinderID == "" {
		binder, err := s.SelectedBinder(ctx)
		if err != nil {
			return search.Response{}, err
		}
		q.BinderID = binder.ID
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) loadRawPages(ctx context.Context, binderID string) ([]*pagestore.Page, error) {
	pageIDs, err := s.pages.PageIDs(ctx, binderID)
	if err != nil {
		return nil, err
	}
	pages := make([]*pagestore.Page, 0, len(pageIDs))
	for _, pageID := range pageIDs {
		page, err := s.pages.LoadRaw(ctx, binderID, pageID)
		if err != nil {
			return nil, err
		}
		if page == nil {
			continue
		}
		pages = append(pages, page)
	}
	return pagestore.Sorted(pages), nil
}

func (s *Service) indexPages(binderID string, pages []*pagestore.Page) {
	if s.search == nil {
		return
	}
	records := make([]search.PageRecord, 0, len(pages))
	for _, page := range pages {
		records = append(records, search.PageRecord{
			ID:       search.RecordID(binderID, page.ID),
			BinderID: binderID,
			PageID:   page.ID,
			Text:     search.PageText(page),
		})
	}
	s.search.IndexPages(records)
}
