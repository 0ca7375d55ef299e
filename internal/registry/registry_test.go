package registry

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"binderkeep/core/internal/keyspace"
	"binderkeep/core/internal/kv"
)

func setupRegistry(t *testing.T) (*Registry, kv.Store) {
	s := miniredis.RunT(t)
	store, err := kv.NewRedisStore("redis://"+s.Addr(), 5*1024*1024)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store), store
}

func TestCreateBinder(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	binder, err := reg.CreateBinder(ctx, "My Collection")
	if err != nil {
		t.Fatalf("CreateBinder failed: %v", err)
	}
	if binder.Name != "My Collection" {
		t.Errorf("name = %q", binder.Name)
	}
	if !strings.HasPrefix(binder.ID, "binder-") {
		t.Errorf("id = %q", binder.ID)
	}
	if binder.CreatedAt == 0 {
		t.Error("CreatedAt not set")
	}

	// The new binder is listed and selected.
	binders, err := reg.Binders(ctx)
	if err != nil {
		t.Fatalf("Binders failed: %v", err)
	}
	if len(binders) != 1 || binders[0].ID != binder.ID {
		t.Errorf("binders = %+v", binders)
	}
	selected, err := reg.SelectedBinderID(ctx)
	if err != nil {
		t.Fatalf("SelectedBinderID failed: %v", err)
	}
	if selected != binder.ID {
		t.Errorf("selected = %q", selected)
	}
}

func TestCreateBinderAutoName(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	first, err := reg.CreateBinder(ctx, "")
	if err != nil {
		t.Fatalf("CreateBinder failed: %v", err)
	}
	if first.Name != "Binder 1" {
		t.Errorf("first name = %q", first.Name)
	}
	second, err := reg.CreateBinder(ctx, "   ")
	if err != nil {
		t.Fatalf("CreateBinder failed: %v", err)
	}
	if second.Name != "Binder 2" {
		t.Errorf("second name = %q", second.Name)
	}
}

func TestRenameBinder(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	binder, err := reg.CreateBinder(ctx, "Old")
	if err != nil {
		t.Fatalf("CreateBinder failed: %v", err)
	}

	if err := reg.RenameBinder(ctx, binder.ID, "  New Name  "); err != nil {
		t.Fatalf("RenameBinder failed: %v", err)
	}
	binders, _ := reg.Binders(ctx)
	if binders[0].Name != "New Name" {
		t.Errorf("name = %q", binders[0].Name)
	}

	// A blank rename falls back to a default instead of an empty name.
	if err := reg.RenameBinder(ctx, binder.ID, "   "); err != nil {
		t.Fatalf("RenameBinder failed: %v", err)
	}
	binders, _ = reg.Binders(ctx)
	if binders[0].Name != "Binder 1" {
		t.Errorf("name after blank rename = %q", binders[0].Name)
	}
}

func TestDeleteBinderSweepsNamespace(t *testing.T) {
	reg, store := setupRegistry(t)
	ctx := context.Background()

	doomed, err := reg.CreateBinder(ctx, "Doomed")
	if err != nil {
		t.Fatalf("CreateBinder failed: %v", err)
	}
	survivor, err := reg.CreateBinder(ctx, "Survivor")
	if err != nil {
		t.Fatalf("CreateBinder failed: %v", err)
	}

	if err := store.Set(ctx, keyspace.Page(doomed.ID, 1), `{"id":1}`); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, keyspace.Settings(doomed.ID), `{}`); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, keyspace.Page(survivor.ID, 2), `{"id":2}`); err != nil {
		t.Fatal(err)
	}

	if err := reg.DeleteBinder(ctx, doomed.ID); err != nil {
		t.Fatalf("DeleteBinder failed: %v", err)
	}

	if _, ok, _ := store.Get(ctx, keyspace.Page(doomed.ID, 1)); ok {
		t.Error("doomed page survived")
	}
	if _, ok, _ := store.Get(ctx, keyspace.Settings(doomed.ID)); ok {
		t.Error("doomed settings survived")
	}
	if _, ok, _ := store.Get(ctx, keyspace.Page(survivor.ID, 2)); !ok {
		t.Error("survivor page was swept")
	}

	binders, _ := reg.Binders(ctx)
	if len(binders) != 1 || binders[0].ID != survivor.ID {
		t.Errorf("binders = %+v", binders)
	}
}

func TestDeleteSelectedBinderReselects(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	first, _ := reg.CreateBinder(ctx, "First")
	second, _ := reg.CreateBinder(ctx, "Second")

	// Creating selects the newest, so deleting it must fall back.
	if err := reg.DeleteBinder(ctx, second.ID); err != nil {
		t.Fatalf("DeleteBinder failed: %v", err)
	}
	selected, _ := reg.SelectedBinderID(ctx)
	if selected != first.ID {
		t.Errorf("selected = %q, want %q", selected, first.ID)
	}

	// Deleting the last binder clears the pointer.
	if err := reg.DeleteBinder(ctx, first.ID); err != nil {
		t.Fatalf("DeleteBinder failed: %v", err)
	}
	selected, _ = reg.SelectedBinderID(ctx)
	if selected != "" {
		t.Errorf("selected = %q, want empty", selected)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	reg, _ := setupRegistry(t)
	ctx := context.Background()

	if _, ok, err := reg.Settings(ctx, "b1"); err != nil || ok {
		t.Fatalf("missing settings: ok=%v err=%v", ok, err)
	}

	want := DefaultSettings()
	want.BinderColor = "#102030"
	if err := reg.SaveSettings(ctx, "b1", want); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	got, ok, err := reg.Settings(ctx, "b1")
	if err != nil || !ok {
		t.Fatalf("Settings failed: ok=%v err=%v", ok, err)
	}
	if got != want {
		t.Errorf("settings = %+v, want %+v", got, want)
	}
}

func TestSaveSettingsStripsEmbeddedImage(t *testing.T) {
	reg, store := setupRegistry(t)
	ctx := context.Background()

	// A legacy blob with an embedded image gets rewritten without it.
	legacy := `{"binderColor":"#fff","defaultBackImage":"data:image/png;base64,AAAA"}`
	if err := store.Set(ctx, keyspace.Settings("b1"), legacy); err != nil {
		t.Fatal(err)
	}
	settings, _, err := reg.Settings(ctx, "b1")
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}
	if err := reg.SaveSettings(ctx, "b1", settings); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	raw, _, _ := store.Get(ctx, keyspace.Settings("b1"))
	if strings.Contains(raw, "defaultBackImage") {
		t.Errorf("embedded image survived: %s", raw)
	}
	if !strings.Contains(raw, `"binderColor":"#fff"`) {
		t.Errorf("settings lost: %s", raw)
	}
}

func TestGalleryURLs(t *testing.T) {
	reg, store := setupRegistry(t)
	ctx := context.Background()

	urls, err := reg.GalleryURLs(ctx, "b1")
	if err != nil || urls != nil {
		t.Fatalf("empty gallery: %v %v", urls, err)
	}

	want := []GalleryURL{{URL: "https://example.com/a.png", Name: "a"}}
	if err := reg.SaveGalleryURLs(ctx, "b1", want); err != nil {
		t.Fatalf("SaveGalleryURLs failed: %v", err)
	}
	urls, err = reg.GalleryURLs(ctx, "b1")
	if err != nil || len(urls) != 1 || urls[0] != want[0] {
		t.Fatalf("gallery = %+v, err %v", urls, err)
	}

	// The legacy bare-string form upgrades on read.
	if err := store.Set(ctx, keyspace.GalleryURLs("b2"), `["https://example.com/b.png"]`); err != nil {
		t.Fatal(err)
	}
	urls, err = reg.GalleryURLs(ctx, "b2")
	if err != nil {
		t.Fatalf("GalleryURLs failed: %v", err)
	}
	if len(urls) != 1 || urls[0].URL != "https://example.com/b.png" || urls[0].Name != "" {
		t.Errorf("upgraded gallery = %+v", urls)
	}
}

func TestSetSelectedBinderID(t *testing.T) {
	reg, store := setupRegistry(t)
	ctx := context.Background()

	if err := reg.SetSelectedBinderID(ctx, "binder-42"); err != nil {
		t.Fatalf("SetSelectedBinderID failed: %v", err)
	}
	selected, _ := reg.SelectedBinderID(ctx)
	if selected != "binder-42" {
		t.Errorf("selected = %q", selected)
	}

	// Clearing removes the key entirely.
	if err := reg.SetSelectedBinderID(ctx, ""); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, keyspace.SelectedBinderKey); ok {
		t.Error("pointer key survived clearing")
	}
}
