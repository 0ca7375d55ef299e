// Package imagestore holds image payloads outside the page records they
// belong to, keyed by a token derived from the owning page and slot.
//
// Two backends exist, matching the storage generations: KVStore keeps
// data-URI strings in the synchronous store, PGStore keeps records in
// Postgres. Callers program against Store and treat every call as fallible.
package imagestore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrCapacityExceeded signals that a save was rejected because it would not
// fit in the store. Callers recover with one eviction round and one retry.
var ErrCapacityExceeded = errors.New("imagestore: capacity exceeded")

// RefPrefix marks a page slot value as a reference into this store.
const RefPrefix = "__IMAGE_REF__"

// Store is the backend-agnostic image store contract. Load returns an empty
// string for a missing key; absence is never an error.
type Store interface {
	Save(ctx context.Context, binderID, imageKey, data string) error
	Load(ctx context.Context, binderID, imageKey string) (string, error)
	Remove(ctx context.Context, binderID, imageKey string) error
	RemoveAllForBinder(ctx context.Context, binderID string) error

	SaveDefaultBack(ctx context.Context, binderID, data string) error
	LoadDefaultBack(ctx context.Context, binderID string) (string, error)
	RemoveDefaultBack(ctx context.Context, binderID string) error

	CountAll(ctx context.Context) (int, error)
}

// Evictor is implemented by backends that can relieve quota pressure.
// Aggressive mode may also evict referenced images and is lossy.
type Evictor interface {
	Cleanup(ctx context.Context, binderID string, aggressive bool) error
}

// Ref wraps an image key as a page slot reference token.
func Ref(imageKey string) string {
	return RefPrefix + imageKey
}

// ParseRef extracts the image key from a reference token.
func ParseRef(value string) (string, bool) {
	if !strings.HasPrefix(value, RefPrefix) {
		return "", false
	}
	return value[len(RefPrefix):], true
}

// SlotImageKey derives the image key for a page slot:
// "{pageID}-content-{slot}" for the front grid, "{pageID}-back-{slot}" for
// the back grid. The page ID doubles as the creation timestamp the eviction
// policy reads back out.
func SlotImageKey(pageID int64, back bool, slot string) string {
	side := "content"
	if back {
		side = "back"
	}
	return fmt.Sprintf("%d-%s-%s", pageID, side, slot)
}

// KeyTimestamp recovers the creation timestamp embedded in an image key.
// Keys that do not carry one sort as oldest.
func KeyTimestamp(imageKey string) int64 {
	head, _, _ := strings.Cut(imageKey, "-")
	ts, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
