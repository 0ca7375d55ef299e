// Package migrate upgrades stored data across the three storage generations:
//
//	0: flat legacy, one combined page-array key
//	1: flat per-page keys with an index list
//	2: multi-binder namespaced keys
//	3: image payloads moved to the asynchronous image store
//
// The engine runs at boot, reads an explicit schema-version key, applies the
// ordered steps newer than it, and bumps the version only after a step fully
// succeeds. New representations are always written before old ones are
// deleted, and a single image's failure is logged and skipped: the source
// stays where it was and the next boot retries.
package migrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"

	"binderkeep/core/internal/imagestore"
	"binderkeep/core/internal/keyspace"
	"binderkeep/core/internal/kv"
	"binderkeep/core/internal/registry"
	"binderkeep/core/internal/util"
)

// CurrentVersion is the generation this build writes.
const CurrentVersion = 3

const legacyCombinedPagesKey = "binder-pages"

var (
	legacyPageKeyPattern   = regexp.MustCompile(`^binder-page-\d+$`)
	anyImageKeyPattern     = regexp.MustCompile(`^binder-(?:.+-)?image-`)
	anyBackImageKeyPattern = regexp.MustCompile(`^binder-(?:.+-)?default-back-image$`)
)

// Engine applies the migration chain. The async image store must be a
// separate backend (the image database); pass nil when images still live in
// the synchronous store, and the chain stops at generation 2.
type Engine struct {
	kv    kv.Store
	async imagestore.Store
}

func New(store kv.Store, async imagestore.Store) *Engine {
	return &Engine{kv: store, async: async}
}

// Run applies every pending migration step. It is idempotent: a store
// already at the target generation is untouched.
func (e *Engine) Run(ctx context.Context) error {
	version, err := e.version(ctx)
	if err != nil {
		return err
	}

	if version < 1 {
		if err := e.splitCombinedPages(ctx); err != nil {
			return fmt.Errorf("migrate to per-page keys: %w", err)
		}
		if version, err = e.bump(ctx, 1); err != nil {
			return err
		}
	}

	if version < 2 {
		if err := e.wrapInBinder(ctx); err != nil {
			return fmt.Errorf("migrate to multi-binder: %w", err)
		}
		if version, err = e.bump(ctx, 2); err != nil {
			return err
		}
	}

	if version < 3 {
		if e.async == nil {
			log.Printf("migrate: no image database configured, staying at generation %d", version)
			return nil
		}
		complete, err := e.moveImagesToAsync(ctx)
		if err != nil {
			return fmt.Errorf("migrate images: %w", err)
		}
		if !complete {
			log.Printf("migrate: some images could not be moved, will retry on next boot")
			return nil
		}
		if _, err = e.bump(ctx, 3); err != nil {
			return err
		}
	}
	return nil
}

// version reads the stored schema version. Stores that predate the version
// key are classified once by the shape of their data.
func (e *Engine) version(ctx context.Context) (int, error) {
	raw, ok, err := e.kv.Get(ctx, keyspace.SchemaVersionKey)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if ok {
		version, err := strconv.Atoi(raw)
		if err != nil {
			return 0, fmt.Errorf("read schema version %q: %w", raw, err)
		}
		return version, nil
	}

	if _, ok, err := e.kv.Get(ctx, keyspace.BindersListKey); err != nil {
		return 0, err
	} else if ok {
		return 2, nil
	}

	keys, err := e.kv.Keys(ctx)
	if err != nil {
		return 0, err
	}
	perPage := false
	for _, key := range keys {
		if key == keyspace.PagesList("") || legacyPageKeyPattern.MatchString(key) {
			perPage = true
			break
		}
	}
	if perPage {
		return 1, nil
	}
	if _, ok, err := e.kv.Get(ctx, legacyCombinedPagesKey); err != nil {
		return 0, err
	} else if ok {
		return 0, nil
	}
	// Fresh store: nothing to reshape.
	return 2, nil
}

func (e *Engine) bump(ctx context.Context, version int) (int, error) {
	if err := e.kv.Set(ctx, keyspace.SchemaVersionKey, strconv.Itoa(version)); err != nil {
		return 0, fmt.Errorf("write schema version %d: %w", version, err)
	}
	return version, nil
}

// splitCombinedPages converts the single combined page array into per-page
// keys plus an index list, in the same flat namespace. The combined key is
// only removed after every page record is written.
func (e *Engine) splitCombinedPages(ctx context.Context) error {
	raw, ok, err := e.kv.Get(ctx, legacyCombinedPagesKey)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	var pages []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &pages); err != nil {
		return fmt.Errorf("parse combined pages: %w", err)
	}

	var pageIDs []int64
	for _, pageRaw := range pages {
		var header struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(pageRaw, &header); err != nil || header.ID == 0 {
			log.Printf("migrate: skipping page without id: %v", err)
			continue
		}
		if err := e.kv.Set(ctx, keyspace.Page("", header.ID), string(pageRaw)); err != nil {
			return err
		}
		pageIDs = append(pageIDs, header.ID)
	}

	index, err := json.Marshal(pageIDs)
	if err != nil {
		return fmt.Errorf("write page index: %w", err)
	}
	if err := e.kv.Set(ctx, keyspace.PagesList(""), string(index)); err != nil {
		return err
	}
	return e.kv.Remove(ctx, legacyCombinedPagesKey)
}

// wrapInBinder mints a binder for flat per-page data and moves every record
// under its namespace. A store with a binder list, or with no flat data at
// all, is left alone.
func (e *Engine) wrapInBinder(ctx context.Context) error {
	if _, ok, err := e.kv.Get(ctx, keyspace.BindersListKey); err != nil {
		return err
	} else if ok {
		return nil
	}

	oldPagesList, hasPages, err := e.kv.Get(ctx, keyspace.PagesList(""))
	if err != nil {
		return err
	}
	oldSettings, hasSettings, err := e.kv.Get(ctx, keyspace.Settings(""))
	if err != nil {
		return err
	}
	if !hasPages && !hasSettings {
		return nil
	}

	binder := registry.Binder{
		ID:        util.NewBinderID(),
		Name:      "Binder 1",
		CreatedAt: util.NowMillis(),
	}
	binderList, err := json.Marshal([]registry.Binder{binder})
	if err != nil {
		return fmt.Errorf("write binder list: %w", err)
	}
	if err := e.kv.Set(ctx, keyspace.BindersListKey, string(binderList)); err != nil {
		return err
	}
	if err := e.kv.Set(ctx, keyspace.SelectedBinderKey, binder.ID); err != nil {
		return err
	}

	if hasPages {
		if err := e.moveKey(ctx, keyspace.PagesList(""), keyspace.PagesList(binder.ID), oldPagesList); err != nil {
			return err
		}
		var pageIDs []int64
		if err := json.Unmarshal([]byte(oldPagesList), &pageIDs); err == nil {
			for _, pageID := range pageIDs {
				data, ok, err := e.kv.Get(ctx, keyspace.Page("", pageID))
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if err := e.moveKey(ctx, keyspace.Page("", pageID), keyspace.Page(binder.ID, pageID), data); err != nil {
					return err
				}
			}
		}
	}

	if hasSettings {
		if err := e.moveKey(ctx, keyspace.Settings(""), keyspace.Settings(binder.ID), scrubSettings(oldSettings)); err != nil {
			return err
		}
	}

	keys, err := e.kv.Keys(ctx)
	if err != nil {
		return err
	}
	flatImagePrefix := keyspace.ImagePrefix("")
	for _, key := range keys {
		if !strings.HasPrefix(key, flatImagePrefix) {
			continue
		}
		data, ok, err := e.kv.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		imageKey := strings.TrimPrefix(key, flatImagePrefix)
		if err := e.moveKey(ctx, key, keyspace.Image(binder.ID, imageKey), data); err != nil {
			return err
		}
	}

	for _, move := range []struct{ from, to string }{
		{keyspace.GalleryURLs(""), keyspace.GalleryURLs(binder.ID)},
		{keyspace.DefaultBackImage(""), keyspace.DefaultBackImage(binder.ID)},
	} {
		data, ok, err := e.kv.Get(ctx, move.from)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := e.moveKey(ctx, move.from, move.to, data); err != nil {
			return err
		}
	}

	log.Printf("migrate: flat data wrapped into binder %s", binder.ID)
	return nil
}

// moveKey writes the new key before removing the old one.
func (e *Engine) moveKey(ctx context.Context, from, to, value string) error {
	if err := e.kv.Set(ctx, to, value); err != nil {
		return err
	}
	return e.kv.Remove(ctx, from)
}

// scrubSettings drops a default back image embedded in a legacy settings
// blob; that payload belongs in the image store.
func scrubSettings(raw string) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return raw
	}
	if _, ok := fields["defaultBackImage"]; !ok {
		return raw
	}
	delete(fields, "defaultBackImage")
	scrubbed, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return string(scrubbed)
}

// moveImagesToAsync copies every inline image into the asynchronous store
// and deletes the synchronous copy, binder by binder, then purges leftover
// inline payloads under recognized key patterns. Returns false when any
// image failed and must be retried on a later boot.
func (e *Engine) moveImagesToAsync(ctx context.Context) (bool, error) {
	binderIDs, err := e.binderIDs(ctx)
	if err != nil {
		return false, err
	}

	failed := make(map[string]struct{})
	moved := 0
	for _, binderID := range binderIDs {
		keys, err := e.kv.Keys(ctx)
		if err != nil {
			return false, err
		}
		imagePrefix := keyspace.ImagePrefix(binderID)
		for _, key := range keys {
			if !strings.HasPrefix(key, imagePrefix) {
				continue
			}
			data, ok, err := e.kv.Get(ctx, key)
			if err != nil {
				return false, err
			}
			if !ok || !strings.HasPrefix(data, "data:image") {
				continue
			}
			imageKey := strings.TrimPrefix(key, imagePrefix)
			if err := e.async.Save(ctx, binderID, imageKey, data); err != nil {
				log.Printf("migrate: image %s not moved, source kept: %v", key, err)
				failed[key] = struct{}{}
				continue
			}
			if err := e.kv.Remove(ctx, key); err != nil {
				return false, err
			}
			moved++
		}

		backKey := keyspace.DefaultBackImage(binderID)
		data, ok, err := e.kv.Get(ctx, backKey)
		if err != nil {
			return false, err
		}
		if ok && strings.HasPrefix(data, "data:image") {
			if err := e.async.SaveDefaultBack(ctx, binderID, data); err != nil {
				log.Printf("migrate: default back image of %s not moved, source kept: %v", binderID, err)
				failed[backKey] = struct{}{}
			} else {
				if err := e.kv.Remove(ctx, backKey); err != nil {
					return false, err
				}
				moved++
			}
		}
	}

	purged, err := e.purgeLeftoverImages(ctx, failed)
	if err != nil {
		return false, err
	}
	if moved > 0 || purged > 0 {
		log.Printf("migrate: %d images moved to the image database, %d leftovers purged", moved, purged)
	}
	return len(failed) == 0, nil
}

// purgeLeftoverImages is the safety net against partial prior migrations:
// any remaining inline image payload under a recognized key pattern is
// deleted, except keys whose migration just failed.
func (e *Engine) purgeLeftoverImages(ctx context.Context, keep map[string]struct{}) (int, error) {
	keys, err := e.kv.Keys(ctx)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, key := range keys {
		if _, skip := keep[key]; skip {
			continue
		}
		if !anyImageKeyPattern.MatchString(key) && !anyBackImageKeyPattern.MatchString(key) {
			continue
		}
		data, ok, err := e.kv.Get(ctx, key)
		if err != nil {
			return 0, err
		}
		if !ok || !strings.HasPrefix(data, "data:image") {
			continue
		}
		if err := e.kv.Remove(ctx, key); err != nil {
			return 0, err
		}
		purged++
	}
	return purged, nil
}

// binderIDs lists every namespace the image sweep must visit, including the
// legacy flat one.
func (e *Engine) binderIDs(ctx context.Context) ([]string, error) {
	ids := []string{""}
	raw, ok, err := e.kv.Get(ctx, keyspace.BindersListKey)
	if err != nil {
		return nil, fmt.Errorf("read binder list: %w", err)
	}
	if !ok {
		return ids, nil
	}
	var binders []registry.Binder
	if err := json.Unmarshal([]byte(raw), &binders); err != nil {
		return nil, fmt.Errorf("read binder list: %w", err)
	}
	for _, binder := range binders {
		ids = append(ids, binder.ID)
	}
	return ids, nil
}
