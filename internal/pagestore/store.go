package pagestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"binderkeep/core/internal/compress"
	"binderkeep/core/internal/imagestore"
	"binderkeep/core/internal/keyspace"
	"binderkeep/core/internal/kv"
	"binderkeep/core/internal/quota"
)

// inlineKeepBytes is the largest raw image kept inline in the page record
// when the image store cannot take it.
const inlineKeepBytes = 50 * 1024

// dropPressurePercent is the usage level above which an image over its byte
// ceiling is dropped outright instead of attempted.
const dropPressurePercent = 80

// Store persists page records in the synchronous store and their images in
// the image store.
type Store struct {
	kv      kv.Store
	images  imagestore.Store
	monitor *quota.Monitor
}

func New(store kv.Store, images imagestore.Store, monitor *quota.Monitor) *Store {
	return &Store{kv: store, images: images, monitor: monitor}
}

// Load reads one page and resolves its image references. Dropped slots and
// references to missing images are omitted; text and direct URLs pass
// through unchanged. Returns nil for an unknown page.
func (s *Store) Load(ctx context.Context, binderID string, pageID int64) (*Page, error) {
	page, err := s.LoadRaw(ctx, binderID, pageID)
	if err != nil || page == nil {
		return page, err
	}

	for _, grid := range []Grid{page.Content, page.BackContent} {
		for slotKey, slot := range grid {
			switch slot.Kind {
			case SlotDropped:
				delete(grid, slotKey)
			case SlotRef:
				data, err := s.images.Load(ctx, binderID, slot.Value)
				if err != nil {
					return nil, err
				}
				if data == "" {
					// Dangling reference: the image was evicted or lost.
					delete(grid, slotKey)
					continue
				}
				grid[slotKey] = InlineSlot(data)
			}
		}
	}
	return page, nil
}

// PageIDs returns the binder's page ID index in stored order.
func (s *Store) PageIDs(ctx context.Context, binderID string) ([]int64, error) {
	return s.readIndex(ctx, binderID)
}

// EnsureIndexed appends the page ID to the binder's index if missing.
func (s *Store) EnsureIndexed(ctx context.Context, binderID string, pageID int64) error {
	pageIDs, err := s.readIndex(ctx, binderID)
	if err != nil {
		return err
	}
	for _, id := range pageIDs {
		if id == pageID {
			return nil
		}
	}
	return s.writeIndex(ctx, binderID, append(pageIDs, pageID))
}

// LoadRaw reads the persisted record without resolving references.
func (s *Store) LoadRaw(ctx context.Context, binderID string, pageID int64) (*Page, error) {
	raw, ok, err := s.kv.Get(ctx, keyspace.Page(binderID, pageID))
	if err != nil {
		return nil, fmt.Errorf("load page %d: %w", pageID, err)
	}
	if !ok {
		return nil, nil
	}
	var page Page
	if err := json.Unmarshal([]byte(raw), &page); err != nil {
		return nil, fmt.Errorf("load page %d: %w", pageID, err)
	}
	page.normalize()
	return &page, nil
}

// Save extracts inline images to the image store, removes images the new
// content no longer references, and writes the reference-only page record.
// It does not touch the page ID index; SaveAll and Delete own that.
func (s *Store) Save(ctx context.Context, binderID string, page *Page) error {
	usage, err := s.monitor.UsagePercent(ctx)
	if err != nil {
		return err
	}

	persisted := &Page{
		ID:            page.ID,
		Cover:         page.Cover,
		IsCover:       page.IsCover,
		GridSize:      page.GridSize,
		Content:       s.extractImages(ctx, binderID, page.ID, false, page.Content, usage),
		BackContent:   s.extractImages(ctx, binderID, page.ID, true, page.BackContent, usage),
		RotatedImages: page.RotatedImages,
		Transparent:   page.Transparent,
	}
	persisted.normalize()
	persisted.SetOrder(page.SortOrder())

	if err := s.removeOrphans(ctx, binderID, page.ID, persisted); err != nil {
		return err
	}

	raw, err := json.Marshal(persisted)
	if err != nil {
		return fmt.Errorf("save page %d: %w", page.ID, err)
	}
	if err := s.setWithRecovery(ctx, binderID, keyspace.Page(binderID, page.ID), string(raw)); err != nil {
		return fmt.Errorf("save page %d: %w", page.ID, err)
	}
	return nil
}

// extractImages returns the persisted form of a grid: inline image data is
// saved out to the image store and replaced with a reference. When the store
// rejects an image even after eviction, small images stay inline and larger
// ones become the dropped sentinel.
func (s *Store) extractImages(ctx context.Context, binderID string, pageID int64, back bool, grid Grid, usage float64) Grid {
	persisted := make(Grid, len(grid))
	ceiling := compress.ByteCeiling(usage)
	for slotKey, slot := range grid {
		if slot.Kind != SlotInline {
			persisted[slotKey] = slot
			continue
		}

		imageKey := imagestore.SlotImageKey(pageID, back, slotKey)
		if len(slot.Value) > ceiling && usage >= dropPressurePercent {
			log.Printf("pagestore: image %s is %.2fKB with the store at %.0f%%, not persisted",
				imageKey, float64(len(slot.Value))/1024, usage)
			persisted[slotKey] = DroppedSlot()
			continue
		}

		if err := s.saveImage(ctx, binderID, imageKey, slot.Value); err != nil {
			if len(slot.Value) < inlineKeepBytes {
				persisted[slotKey] = slot
				continue
			}
			log.Printf("pagestore: image %s could not be persisted, dropped: %v", imageKey, err)
			persisted[slotKey] = DroppedSlot()
			continue
		}
		persisted[slotKey] = RefSlot(imageKey)
	}
	return persisted
}

// saveImage is the explicit two-step capacity protocol: one attempt, and on
// a capacity rejection one eviction round followed by exactly one retry.
func (s *Store) saveImage(ctx context.Context, binderID, imageKey, data string) error {
	err := s.images.Save(ctx, binderID, imageKey, data)
	if err == nil || !errors.Is(err, imagestore.ErrCapacityExceeded) {
		return err
	}
	evictor, ok := s.images.(imagestore.Evictor)
	if !ok {
		return err
	}
	if cleanupErr := evictor.Cleanup(ctx, binderID, false); cleanupErr != nil {
		log.Printf("pagestore: cleanup before retry failed: %v", cleanupErr)
	}
	return s.images.Save(ctx, binderID, imageKey, data)
}

// setWithRecovery writes a page record, recovering from a capacity rejection
// with one aggressive eviction round and one retry.
func (s *Store) setWithRecovery(ctx context.Context, binderID, key, value string) error {
	err := s.kv.Set(ctx, key, value)
	if err == nil || !errors.Is(err, kv.ErrCapacityExceeded) {
		return err
	}
	if evictor, ok := s.images.(imagestore.Evictor); ok {
		if cleanupErr := evictor.Cleanup(ctx, binderID, true); cleanupErr != nil {
			log.Printf("pagestore: aggressive cleanup failed: %v", cleanupErr)
		}
	}
	return s.kv.Set(ctx, key, value)
}

// removeOrphans diffs the previously persisted record against the new one
// and deletes every image only the old record referenced. This is the sole
// mechanism keeping image accumulation bounded as slots change.
func (s *Store) removeOrphans(ctx context.Context, binderID string, pageID int64, next *Page) error {
	previous, err := s.LoadRaw(ctx, binderID, pageID)
	if err != nil {
		return err
	}
	if previous == nil {
		return nil
	}

	keep := next.refKeys()
	for imageKey := range previous.refKeys() {
		if _, stillUsed := keep[imageKey]; stillUsed {
			continue
		}
		if err := s.images.Remove(ctx, binderID, imageKey); err != nil {
			log.Printf("pagestore: removing orphaned image %s: %v", imageKey, err)
		}
	}
	return nil
}

// LoadAll reads the binder's page index and loads every page. Legacy data
// without order values gets orders 1..N backfilled by ascending ID and
// persisted once, so later loads no longer derive order from IDs.
func (s *Store) LoadAll(ctx context.Context, binderID string) ([]*Page, error) {
	pageIDs, err := s.readIndex(ctx, binderID)
	if err != nil {
		return nil, err
	}
	if len(pageIDs) == 0 {
		return nil, nil
	}

	loaded := make([]*Page, len(pageIDs))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, pageID := range pageIDs {
		i, pageID := i, pageID
		group.Go(func() error {
			page, err := s.Load(groupCtx, binderID, pageID)
			if err != nil {
				return err
			}
			loaded[i] = page
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var pages []*Page
	for _, page := range loaded {
		if page != nil {
			pages = append(pages, page)
		}
	}

	if err := s.backfillOrder(ctx, binderID, pages); err != nil {
		return nil, err
	}
	return pages, nil
}

// backfillOrder assigns and persists orders for a legacy binder whose pages
// all lack one.
func (s *Store) backfillOrder(ctx context.Context, binderID string, pages []*Page) error {
	if len(pages) == 0 {
		return nil
	}
	for _, page := range pages {
		if page.Order != nil {
			return nil
		}
	}

	byID := Sorted(pages) // no orders set, so this sorts by ID
	for i, page := range byID {
		page.SetOrder(float64(i + 1))
		if err := s.Save(ctx, binderID, page); err != nil {
			return fmt.Errorf("backfill order: %w", err)
		}
	}
	return nil
}

// SaveAll persists every page concurrently, then writes the page ID index.
// The index is only updated once every record write has succeeded. Derived
// image keys are unique per page and slot, so the fan-out never issues two
// writes for the same key.
func (s *Store) SaveAll(ctx context.Context, binderID string, pages []*Page) error {
	if len(pages) == 0 {
		if err := s.kv.Remove(ctx, keyspace.PagesList(binderID)); err != nil {
			return fmt.Errorf("clear page index: %w", err)
		}
		return nil
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, page := range pages {
		page := page
		group.Go(func() error {
			return s.Save(groupCtx, binderID, page)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	pageIDs := make([]int64, len(pages))
	for i, page := range pages {
		pageIDs[i] = page.ID
	}
	return s.writeIndex(ctx, binderID, pageIDs)
}

// Delete removes a page record, every image it referenced (including keys
// reconstructed from inline slots that never made it to the image store),
// and its index entry.
func (s *Store) Delete(ctx context.Context, binderID string, pageID int64) error {
	page, err := s.LoadRaw(ctx, binderID, pageID)
	if err != nil {
		return err
	}
	if page != nil {
		for imageKey := range page.refKeys() {
			if err := s.images.Remove(ctx, binderID, imageKey); err != nil {
				log.Printf("pagestore: removing image %s of deleted page: %v", imageKey, err)
			}
		}
		for _, back := range []bool{false, true} {
			grid := page.Content
			if back {
				grid = page.BackContent
			}
			for slotKey, slot := range grid {
				if slot.Kind != SlotInline {
					continue
				}
				imageKey := imagestore.SlotImageKey(pageID, back, slotKey)
				if err := s.images.Remove(ctx, binderID, imageKey); err != nil {
					log.Printf("pagestore: removing image %s of deleted page: %v", imageKey, err)
				}
			}
		}
	}

	if err := s.kv.Remove(ctx, keyspace.Page(binderID, pageID)); err != nil {
		return fmt.Errorf("delete page %d: %w", pageID, err)
	}

	pageIDs, err := s.readIndex(ctx, binderID)
	if err != nil {
		return err
	}
	remaining := pageIDs[:0]
	for _, id := range pageIDs {
		if id != pageID {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		if err := s.kv.Remove(ctx, keyspace.PagesList(binderID)); err != nil {
			return fmt.Errorf("clear page index: %w", err)
		}
		return nil
	}
	return s.writeIndex(ctx, binderID, remaining)
}

// DeleteAllPages removes every page record and the index, keeping images.
func (s *Store) DeleteAllPages(ctx context.Context, binderID string) error {
	pageIDs, err := s.readIndex(ctx, binderID)
	if err != nil {
		return err
	}
	for _, pageID := range pageIDs {
		if err := s.kv.Remove(ctx, keyspace.Page(binderID, pageID)); err != nil {
			return fmt.Errorf("delete page %d: %w", pageID, err)
		}
	}
	if err := s.kv.Remove(ctx, keyspace.PagesList(binderID)); err != nil {
		return fmt.Errorf("clear page index: %w", err)
	}
	return nil
}

func (s *Store) readIndex(ctx context.Context, binderID string) ([]int64, error) {
	raw, ok, err := s.kv.Get(ctx, keyspace.PagesList(binderID))
	if err != nil {
		return nil, fmt.Errorf("read page index: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var pageIDs []int64
	if err := json.Unmarshal([]byte(raw), &pageIDs); err != nil {
		return nil, fmt.Errorf("read page index: %w", err)
	}
	return pageIDs, nil
}

func (s *Store) writeIndex(ctx context.Context, binderID string, pageIDs []int64) error {
	raw, err := json.Marshal(pageIDs)
	if err != nil {
		return fmt.Errorf("write page index: %w", err)
	}
	if err := s.kv.Set(ctx, keyspace.PagesList(binderID), string(raw)); err != nil {
		return fmt.Errorf("write page index: %w", err)
	}
	return nil
}
