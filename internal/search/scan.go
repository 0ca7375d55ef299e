package search

import (
	"context"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"binderkeep/core/internal/keyspace"
	"binderkeep/core/internal/kv"
	"binderkeep/core/internal/pagestore"
)

const snippetMaxLen = 160

var pageKeyPattern = regexp.MustCompile(`^binder-(?:(.+)-)?page-(\d+)$`)

// Scan implements Searcher by walking page records in the synchronous store
// and substring-matching their text slots. It is the fallback when
// Meilisearch is not configured or unreachable.
type Scan struct {
	kv kv.Store
}

// NewScan creates a store-scan searcher.
func NewScan(store kv.Store) *Scan {
	return &Scan{kv: store}
}

// Healthy always returns true: if the synchronous store is down, the whole
// app is down.
func (s *Scan) Healthy() bool {
	return true
}

// Search walks every page record (or just one binder's) and matches the
// query case-insensitively against text slots.
func (s *Scan) Search(ctx context.Context, q Query) ([]Result, int, error) {
	needle := strings.ToLower(strings.TrimSpace(q.Text))
	if needle == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return nil, 0, err
	}
	sort.Strings(keys)

	var matches []Result
	for _, key := range keys {
		binderID, pageID, ok := parsePageKey(key)
		if !ok {
			continue
		}
		if q.BinderID != "" && binderID != q.BinderID {
			continue
		}
		raw, ok, err := s.kv.Get(ctx, key)
		if err != nil {
			return nil, 0, err
		}
		if !ok {
			continue
		}
		var page pagestore.Page
		if err := json.Unmarshal([]byte(raw), &page); err != nil {
			continue
		}
		if slot, text, found := matchPage(&page, needle); found {
			matches = append(matches, Result{
				BinderID: binderID,
				PageID:   pageID,
				Slot:     slot,
				Snippet:  snippet(text),
			})
		}
	}

	total := len(matches)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matches[offset:end], total, nil
}

func parsePageKey(key string) (binderID string, pageID int64, ok bool) {
	groups := pageKeyPattern.FindStringSubmatch(key)
	if groups == nil {
		return "", 0, false
	}
	pageID, err := strconv.ParseInt(groups[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	// Double-check against legacy keys that happen to end in "-page-N" but
	// belong to a namespaced grid slot rather than a page record.
	if groups[1] != "" && keyspace.Page(groups[1], pageID) != key {
		return "", 0, false
	}
	return groups[1], pageID, true
}

func matchPage(page *pagestore.Page, needle string) (slot, text string, found bool) {
	for _, side := range []struct {
		name string
		grid pagestore.Grid
	}{
		{"content", page.Content},
		{"back", page.BackContent},
	} {
		slotKeys := make([]string, 0, len(side.grid))
		for key := range side.grid {
			slotKeys = append(slotKeys, key)
		}
		sort.Strings(slotKeys)
		for _, key := range slotKeys {
			entry := side.grid[key]
			if entry.Kind != pagestore.SlotText {
				continue
			}
			if strings.Contains(strings.ToLower(entry.Value), needle) {
				return side.name + "-" + key, entry.Value, true
			}
		}
	}
	return "", "", false
}

func snippet(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= snippetMaxLen {
		return text
	}
	return text[:snippetMaxLen] + "…"
}

// PageText flattens every text slot of a page into the single field the
// index stores.
func PageText(page *pagestore.Page) string {
	var parts []string
	for _, grid := range []pagestore.Grid{page.Content, page.BackContent} {
		slotKeys := make([]string, 0, len(grid))
		for key := range grid {
			slotKeys = append(slotKeys, key)
		}
		sort.Strings(slotKeys)
		for _, key := range slotKeys {
			entry := grid[key]
			if entry.Kind == pagestore.SlotText && strings.TrimSpace(entry.Value) != "" {
				parts = append(parts, entry.Value)
			}
		}
	}
	return strings.Join(parts, "\n")
}
