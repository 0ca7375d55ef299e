// Package pagestore owns page records: their tagged slot content, the
// reference handshake with the image store, and the fractional page order.
package pagestore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"binderkeep/core/internal/imagestore"
)

// SlotKind tags what a grid slot holds.
type SlotKind int

const (
	// SlotText is plain text or a direct URL, persisted as-is.
	SlotText SlotKind = iota
	// SlotInline is raw image data (a data-URI) not yet extracted to the
	// image store.
	SlotInline
	// SlotRef points at an image store record; Value is the image key.
	SlotRef
	// SlotDropped is the persisted null sentinel: an image intentionally not
	// stored due to space pressure.
	SlotDropped
)

// Slot is one grid cell value. The zero value is an empty text slot.
type Slot struct {
	Kind  SlotKind
	Value string
}

func TextSlot(value string) Slot   { return Slot{Kind: SlotText, Value: value} }
func InlineSlot(data string) Slot  { return Slot{Kind: SlotInline, Value: data} }
func RefSlot(imageKey string) Slot { return Slot{Kind: SlotRef, Value: imageKey} }
func DroppedSlot() Slot            { return Slot{Kind: SlotDropped} }

// MarshalJSON writes the wire form: null for dropped slots, the reference
// token for refs, the raw string otherwise.
func (s Slot) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case SlotDropped:
		return []byte("null"), nil
	case SlotRef:
		return json.Marshal(imagestore.Ref(s.Value))
	default:
		return json.Marshal(s.Value)
	}
}

// UnmarshalJSON classifies a persisted value by shape: null, reference
// token, inline image data, or text.
func (s *Slot) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = DroppedSlot()
		return nil
	}
	var value string
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("slot value: %w", err)
	}
	if imageKey, isRef := imagestore.ParseRef(value); isRef {
		*s = RefSlot(imageKey)
		return nil
	}
	if strings.HasPrefix(value, "data:image") {
		*s = InlineSlot(value)
		return nil
	}
	*s = TextSlot(value)
	return nil
}

// Grid maps slot keys ("{row}-{col}") to their values.
type Grid map[string]Slot

// Page is one binder entry. ID is the creation timestamp in milliseconds.
// Order is nil for legacy records that predate explicit ordering; SortOrder
// falls back to the ID for those.
type Page struct {
	ID            int64              `json:"id"`
	Cover         string             `json:"cover"`
	IsCover       bool               `json:"isCover"`
	GridSize      string             `json:"gridSize"`
	Content       Grid               `json:"content"`
	BackContent   Grid               `json:"backContent"`
	RotatedImages map[string]float64 `json:"rotatedImages"`
	Transparent   bool               `json:"transparent"`
	Order         *float64           `json:"order,omitempty"`
}

// SortOrder returns the effective sort key: the explicit order when set,
// otherwise the page ID.
func (p *Page) SortOrder() float64 {
	if p.Order != nil {
		return *p.Order
	}
	return float64(p.ID)
}

// SetOrder assigns an explicit order value.
func (p *Page) SetOrder(order float64) {
	p.Order = &order
}

// normalize fills the defaults a partially written or legacy record may lack.
func (p *Page) normalize() {
	if p.Cover == "" {
		p.Cover = "right"
	}
	if p.GridSize == "" {
		p.GridSize = "2x2"
	}
	if p.Content == nil {
		p.Content = Grid{}
	}
	if p.BackContent == nil {
		p.BackContent = Grid{}
	}
	if p.RotatedImages == nil {
		p.RotatedImages = map[string]float64{}
	}
}

// refKeys collects the image keys referenced by both grids.
func (p *Page) refKeys() map[string]struct{} {
	refs := make(map[string]struct{})
	for _, grid := range []Grid{p.Content, p.BackContent} {
		for _, slot := range grid {
			if slot.Kind == SlotRef {
				refs[slot.Value] = struct{}{}
			}
		}
	}
	return refs
}

// Sorted returns the pages ordered by SortOrder, ties broken by ID.
func Sorted(pages []*Page) []*Page {
	sorted := make([]*Page, len(pages))
	copy(sorted, pages)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].SortOrder(), sorted[j].SortOrder()
		if a == b {
			return sorted[i].ID < sorted[j].ID
		}
		return a < b
	})
	return sorted
}
