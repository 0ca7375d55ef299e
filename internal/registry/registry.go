// Package registry manages the binder list, the active-binder pointer, and
// each binder's small settings and gallery records.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"binderkeep/core/internal/keyspace"
	"binderkeep/core/internal/kv"
	"binderkeep/core/internal/util"
)

// Binder identifies one namespace. Only Name ever changes after creation.
type Binder struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// Settings is the per-binder settings blob. It deliberately has no image
// field: the default back image lives in the image store, never here, so
// settings stay small and independent of quota pressure.
type Settings struct {
	BinderColor    string  `json:"binderColor"`
	RingColor      string  `json:"ringColor"`
	ContainerColor string  `json:"containerColor"`
	BinderType     string  `json:"binderType"`
	WidthRatio     float64 `json:"widthRatio"`
	HeightRatio    float64 `json:"heightRatio"`
	GridSize       string  `json:"gridSize"`
	PageType       string  `json:"pageType"`
	ImageInputMode string  `json:"imageInputMode"`
}

// GalleryURL is one gallery entry.
type GalleryURL struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// DefaultSettings returns the settings a fresh binder starts with.
func DefaultSettings() Settings {
	return Settings{
		BinderColor:    "#E6E6E6",
		RingColor:      "#A0A0A0",
		ContainerColor: "#ffffff",
		BinderType:     "leather",
		WidthRatio:     2,
		HeightRatio:    1,
		GridSize:       "2x2",
		PageType:       "mat",
		ImageInputMode: "file",
	}
}

// Registry is the binder registry over the synchronous store.
type Registry struct {
	kv kv.Store
}

func New(store kv.Store) *Registry {
	return &Registry{kv: store}
}

// Binders returns the binder list, empty when none exist yet.
func (r *Registry) Binders(ctx context.Context) ([]Binder, error) {
	raw, ok, err := r.kv.Get(ctx, keyspace.BindersListKey)
	if err != nil {
		return nil, fmt.Errorf("read binder list: %w", err)
	}
	if !ok {
		return nil, nil
	}
	var binders []Binder
	if err := json.Unmarshal([]byte(raw), &binders); err != nil {
		return nil, fmt.Errorf("read binder list: %w", err)
	}
	return binders, nil
}

func (r *Registry) SaveBinders(ctx context.Context, binders []Binder) error {
	raw, err := json.Marshal(binders)
	if err != nil {
		return fmt.Errorf("write binder list: %w", err)
	}
	if err := r.kv.Set(ctx, keyspace.BindersListKey, string(raw)); err != nil {
		return fmt.Errorf("write binder list: %w", err)
	}
	return nil
}

// SelectedBinderID returns the active binder pointer, empty when unset.
func (r *Registry) SelectedBinderID(ctx context.Context) (string, error) {
	id, _, err := r.kv.Get(ctx, keyspace.SelectedBinderKey)
	if err != nil {
		return "", fmt.Errorf("read selected binder: %w", err)
	}
	return id, nil
}

func (r *Registry) SetSelectedBinderID(ctx context.Context, binderID string) error {
	if binderID == "" {
		if err := r.kv.Remove(ctx, keyspace.SelectedBinderKey); err != nil {
			return fmt.Errorf("clear selected binder: %w", err)
		}
		return nil
	}
	if err := r.kv.Set(ctx, keyspace.SelectedBinderKey, binderID); err != nil {
		return fmt.Errorf("write selected binder: %w", err)
	}
	return nil
}

// CreateBinder appends a new binder and selects it.
func (r *Registry) CreateBinder(ctx context.Context, name string) (Binder, error) {
	binders, err := r.Binders(ctx)
	if err != nil {
		return Binder{}, err
	}
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("Binder %d", len(binders)+1)
	}
	binder := Binder{
		ID:        util.NewBinderID(),
		Name:      name,
		CreatedAt: util.NowMillis(),
	}
	if err := r.SaveBinders(ctx, append(binders, binder)); err != nil {
		return Binder{}, err
	}
	if err := r.SetSelectedBinderID(ctx, binder.ID); err != nil {
		return Binder{}, err
	}
	return binder, nil
}

// RenameBinder trims the new name, falling back to a default when empty.
func (r *Registry) RenameBinder(ctx context.Context, binderID, name string) error {
	binders, err := r.Binders(ctx)
	if err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Binder 1"
	}
	for i := range binders {
		if binders[i].ID == binderID {
			binders[i].Name = name
		}
	}
	return r.SaveBinders(ctx, binders)
}

// DeleteBinder removes the binder from the list and sweeps every key under
// its namespace. Image records in an asynchronous backend are the image
// store's to remove; callers cascade that separately.
func (r *Registry) DeleteBinder(ctx context.Context, binderID string) error {
	keys, err := r.kv.Keys(ctx)
	if err != nil {
		return fmt.Errorf("delete binder: %w", err)
	}
	prefix := keyspace.Prefix(binderID)
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			if err := r.kv.Remove(ctx, key); err != nil {
				return fmt.Errorf("delete binder key %s: %w", key, err)
			}
		}
	}

	binders, err := r.Binders(ctx)
	if err != nil {
		return err
	}
	remaining := binders[:0]
	for _, binder := range binders {
		if binder.ID != binderID {
			remaining = append(remaining, binder)
		}
	}
	if err := r.SaveBinders(ctx, remaining); err != nil {
		return err
	}

	selected, err := r.SelectedBinderID(ctx)
	if err != nil {
		return err
	}
	if selected == binderID {
		next := ""
		if len(remaining) > 0 {
			next = remaining[0].ID
		}
		return r.SetSelectedBinderID(ctx, next)
	}
	return nil
}

// Settings reads a binder's settings blob; the bool reports presence.
func (r *Registry) Settings(ctx context.Context, binderID string) (Settings, bool, error) {
	raw, ok, err := r.kv.Get(ctx, keyspace.Settings(binderID))
	if err != nil {
		return Settings{}, false, fmt.Errorf("read settings: %w", err)
	}
	if !ok {
		return Settings{}, false, nil
	}
	var settings Settings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return Settings{}, false, fmt.Errorf("read settings: %w", err)
	}
	return settings, true, nil
}

// SaveSettings writes the settings blob. Marshaling goes through a map so an
// embedded default back image can never ride along, whatever the caller
// hands us in future fields.
func (r *Registry) SaveSettings(ctx context.Context, binderID string, settings Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	delete(fields, "defaultBackImage")
	raw, err = json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	if err := r.kv.Set(ctx, keyspace.Settings(binderID), string(raw)); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// GalleryURLs reads the gallery list, upgrading the legacy bare-string form
// to the current {url, name} shape.
func (r *Registry) GalleryURLs(ctx context.Context, binderID string) ([]GalleryURL, error) {
	raw, ok, err := r.kv.Get(ctx, keyspace.GalleryURLs(binderID))
	if err != nil {
		return nil, fmt.Errorf("read gallery urls: %w", err)
	}
	if !ok {
		return nil, nil
	}

	var urls []GalleryURL
	if err := json.Unmarshal([]byte(raw), &urls); err == nil {
		return urls, nil
	}

	var legacy []string
	if err := json.Unmarshal([]byte(raw), &legacy); err != nil {
		return nil, fmt.Errorf("read gallery urls: %w", err)
	}
	upgraded := make([]GalleryURL, len(legacy))
	for i, url := range legacy {
		upgraded[i] = GalleryURL{URL: url}
	}
	return upgraded, nil
}

// SaveGalleryURLs writes the gallery list; an empty list removes the key.
func (r *Registry) SaveGalleryURLs(ctx context.Context, binderID string, urls []GalleryURL) error {
	if len(urls) == 0 {
		if err := r.kv.Remove(ctx, keyspace.GalleryURLs(binderID)); err != nil {
			return fmt.Errorf("clear gallery urls: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(urls)
	if err != nil {
		return fmt.Errorf("write gallery urls: %w", err)
	}
	if err := r.kv.Set(ctx, keyspace.GalleryURLs(binderID), string(raw)); err != nil {
		return fmt.Errorf("write gallery urls: %w", err)
	}
	return nil
}
