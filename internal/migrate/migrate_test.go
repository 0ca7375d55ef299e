package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"binderkeep/core/internal/keyspace"
	"binderkeep/core/internal/kv"
	"binderkeep/core/internal/registry"
)

func setupKV(t *testing.T) kv.Store {
	s := miniredis.RunT(t)
	store, err := kv.NewRedisStore("redis://"+s.Addr(), 5*1024*1024)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// fakeAsyncStore records what the migration hands to the image database.
type fakeAsyncStore struct {
	saveFn            func(ctx context.Context, binderID, imageKey, data string) error
	saveDefaultBackFn func(ctx context.Context, binderID, data string) error

	saved       map[string]string
	defaultBack map[string]string
}

func newFakeAsyncStore() *fakeAsyncStore {
	return &fakeAsyncStore{saved: map[string]string{}, defaultBack: map[string]string{}}
}

func (f *fakeAsyncStore) Save(ctx context.Context, binderID, imageKey, data string) error {
	if f.saveFn != nil {
		if err := f.saveFn(ctx, binderID, imageKey, data); err != nil {
			return err
		}
	}
	f.saved[imageKey] = data
	return nil
}

func (f *fakeAsyncStore) Load(ctx context.Context, binderID, imageKey string) (string, error) {
	return f.saved[imageKey], nil
}

func (f *fakeAsyncStore) Remove(ctx context.Context, binderID, imageKey string) error {
	delete(f.saved, imageKey)
	return nil
}

func (f *fakeAsyncStore) RemoveAllForBinder(ctx context.Context, binderID string) error { return nil }

func (f *fakeAsyncStore) SaveDefaultBack(ctx context.Context, binderID, data string) error {
	if f.saveDefaultBackFn != nil {
		if err := f.saveDefaultBackFn(ctx, binderID, data); err != nil {
			return err
		}
	}
	f.defaultBack[binderID] = data
	return nil
}

func (f *fakeAsyncStore) LoadDefaultBack(ctx context.Context, binderID string) (string, error) {
	return f.defaultBack[binderID], nil
}

func (f *fakeAsyncStore) RemoveDefaultBack(ctx context.Context, binderID string) error {
	delete(f.defaultBack, binderID)
	return nil
}

func (f *fakeAsyncStore) CountAll(ctx context.Context) (int, error) { return len(f.saved), nil }

func binderIDFromList(t *testing.T, store kv.Store) string {
	t.Helper()
	raw, ok, err := store.Get(context.Background(), keyspace.BindersListKey)
	if err != nil || !ok {
		t.Fatalf("binder list missing: %v", err)
	}
	binders := parseBinders(t, raw)
	if len(binders) != 1 {
		t.Fatalf("binders = %+v", binders)
	}
	return binders[0].ID
}

func parseBinders(t *testing.T, raw string) []registry.Binder {
	t.Helper()
	var binders []registry.Binder
	if err := json.Unmarshal([]byte(raw), &binders); err != nil {
		t.Fatalf("parse binder list: %v", err)
	}
	return binders
}

func TestFreshStoreJumpsToCurrentVersion(t *testing.T) {
	store := setupKV(t)
	engine := New(store, newFakeAsyncStore())

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	version, ok, _ := store.Get(context.Background(), keyspace.SchemaVersionKey)
	if !ok || version != "3" {
		t.Errorf("schema version = %q", version)
	}
	keys, _ := store.Keys(context.Background())
	if len(keys) != 1 {
		t.Errorf("fresh store grew keys: %v", keys)
	}
}

func TestFreshStoreWithoutImageDatabase(t *testing.T) {
	store := setupKV(t)
	engine := New(store, nil)

	if err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Generation 3 is unreachable without the image database; nothing was
	// reshaped so nothing gets written either.
	keys, _ := store.Keys(context.Background())
	if len(keys) != 0 {
		t.Errorf("keys = %v", keys)
	}
}

func TestFullChainFromCombinedPages(t *testing.T) {
	store := setupKV(t)
	ctx := context.Background()

	imageData := "data:image/png;base64,AAAA"
	seed := map[string]string{
		"binder-pages":     `[{"id":1,"cover":"right"},{"id":2}]`,
		"binder-image-xyz": imageData,
		"binder-settings":  `{"binderColor":"#fff","defaultBackImage":"` + imageData + `"}`,
	}
	for key, value := range seed {
		if err := store.Set(ctx, key, value); err != nil {
			t.Fatal(err)
		}
	}

	async := newFakeAsyncStore()
	if err := New(store, async).Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	version, _, _ := store.Get(ctx, keyspace.SchemaVersionKey)
	if version != "3" {
		t.Fatalf("schema version = %q", version)
	}

	binderID := binderIDFromList(t, store)
	selected, _, _ := store.Get(ctx, keyspace.SelectedBinderKey)
	if selected != binderID {
		t.Errorf("selected = %q, want %q", selected, binderID)
	}

	// Pages were split out of the combined array and then namespaced.
	if _, ok, _ := store.Get(ctx, "binder-pages"); ok {
		t.Error("combined pages key survived")
	}
	index, _, _ := store.Get(ctx, keyspace.PagesList(binderID))
	if index != "[1,2]" {
		t.Errorf("page index = %q", index)
	}
	raw, ok, _ := store.Get(ctx, keyspace.Page(binderID, 1))
	if !ok || !strings.Contains(raw, `"cover":"right"`) {
		t.Errorf("page 1 = %q", raw)
	}

	// The flat image moved through the namespace into the image database.
	if _, ok, _ := store.Get(ctx, "binder-image-xyz"); ok {
		t.Error("flat image key survived")
	}
	if _, ok, _ := store.Get(ctx, keyspace.Image(binderID, "xyz")); ok {
		t.Error("namespaced image key survived the async move")
	}
	if async.saved["xyz"] != imageData {
		t.Errorf("async store holds %q", async.saved["xyz"])
	}

	// Settings moved and lost their embedded image on the way.
	settings, ok, _ := store.Get(ctx, keyspace.Settings(binderID))
	if !ok || strings.Contains(settings, "defaultBackImage") {
		t.Errorf("settings = %q", settings)
	}
	if !strings.Contains(settings, `"binderColor":"#fff"`) {
		t.Errorf("settings lost fields: %q", settings)
	}
}

func TestWrapMovesGalleryAndDefaultBack(t *testing.T) {
	store := setupKV(t)
	ctx := context.Background()

	imageData := "data:image/jpeg;base64,BBBB"
	if err := store.Set(ctx, keyspace.PagesList(""), `[]`); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, keyspace.GalleryURLs(""), `["https://example.com/a.png"]`); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, keyspace.DefaultBackImage(""), imageData); err != nil {
		t.Fatal(err)
	}

	async := newFakeAsyncStore()
	if err := New(store, async).Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	binderID := binderIDFromList(t, store)
	gallery, ok, _ := store.Get(ctx, keyspace.GalleryURLs(binderID))
	if !ok || gallery != `["https://example.com/a.png"]` {
		t.Errorf("gallery = %q", gallery)
	}
	if _, ok, _ := store.Get(ctx, keyspace.GalleryURLs("")); ok {
		t.Error("flat gallery key survived")
	}

	// The default back image moved into the namespace and on to the image
	// database.
	if _, ok, _ := store.Get(ctx, keyspace.DefaultBackImage(binderID)); ok {
		t.Error("namespaced default back key survived the async move")
	}
	if async.defaultBack[binderID] != imageData {
		t.Errorf("async default back = %q", async.defaultBack[binderID])
	}
}

func TestWrapLeavesBinderedStoreAlone(t *testing.T) {
	store := setupKV(t)
	ctx := context.Background()

	binderList := `[{"id":"binder-7","name":"Kept","createdAt":7}]`
	if err := store.Set(ctx, keyspace.BindersListKey, binderList); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, keyspace.Page("binder-7", 1), `{"id":1}`); err != nil {
		t.Fatal(err)
	}

	if err := New(store, newFakeAsyncStore()).Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	raw, _, _ := store.Get(ctx, keyspace.BindersListKey)
	if raw != binderList {
		t.Errorf("binder list rewritten: %q", raw)
	}
	if _, ok, _ := store.Get(ctx, keyspace.Page("binder-7", 1)); !ok {
		t.Error("namespaced page disappeared")
	}
	version, _, _ := store.Get(ctx, keyspace.SchemaVersionKey)
	if version != "3" {
		t.Errorf("schema version = %q", version)
	}
}

func TestImageMoveFailureKeepsSourceAndRetries(t *testing.T) {
	store := setupKV(t)
	ctx := context.Background()

	if err := store.Set(ctx, keyspace.BindersListKey, `[{"id":"binder-7","name":"B","createdAt":7}]`); err != nil {
		t.Fatal(err)
	}
	failing := keyspace.Image("binder-7", "bad")
	passing := keyspace.Image("binder-7", "good")
	if err := store.Set(ctx, failing, "data:image/png;base64,FAIL"); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, passing, "data:image/png;base64,GOOD"); err != nil {
		t.Fatal(err)
	}

	async := newFakeAsyncStore()
	async.saveFn = func(_ context.Context, _, imageKey, _ string) error {
		if imageKey == "bad" {
			return errors.New("image database unavailable")
		}
		return nil
	}

	if err := New(store, async).Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// The failed image stays put, untouched by the leftover purge, and the
	// version is not bumped. The healthy one moved.
	if _, ok, _ := store.Get(ctx, failing); !ok {
		t.Error("failed image source was removed")
	}
	if _, ok, _ := store.Get(ctx, passing); ok {
		t.Error("moved image source survived")
	}
	if async.saved["good"] != "data:image/png;base64,GOOD" {
		t.Errorf("async store holds %q", async.saved["good"])
	}
	if _, ok, _ := store.Get(ctx, keyspace.SchemaVersionKey); ok {
		t.Error("version bumped despite incomplete move")
	}

	// The next boot picks the failed image back up.
	async.saveFn = nil
	if err := New(store, async).Run(ctx); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if _, ok, _ := store.Get(ctx, failing); ok {
		t.Error("retried image source survived")
	}
	if async.saved["bad"] != "data:image/png;base64,FAIL" {
		t.Errorf("async store holds %q", async.saved["bad"])
	}
	version, _, _ := store.Get(ctx, keyspace.SchemaVersionKey)
	if version != "3" {
		t.Errorf("schema version = %q", version)
	}
}

func TestSplitSkipsPagesWithoutID(t *testing.T) {
	store := setupKV(t)
	ctx := context.Background()

	if err := store.Set(ctx, "binder-pages", `[{"id":9},{"cover":"left"}]`); err != nil {
		t.Fatal(err)
	}

	if err := New(store, nil).Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	binderID := binderIDFromList(t, store)
	index, _, _ := store.Get(ctx, keyspace.PagesList(binderID))
	if index != "[9]" {
		t.Errorf("page index = %q", index)
	}
	// Without the image database the chain stops at generation 2.
	version, _, _ := store.Get(ctx, keyspace.SchemaVersionKey)
	if version != "2" {
		t.Errorf("schema version = %q", version)
	}
}

func TestRunIsIdempotentAtCurrentVersion(t *testing.T) {
	store := setupKV(t)
	ctx := context.Background()

	if err := store.Set(ctx, keyspace.SchemaVersionKey, "3"); err != nil {
		t.Fatal(err)
	}
	if err := store.Set(ctx, "binder-pages", `[{"id":1}]`); err != nil {
		t.Fatal(err)
	}

	async := newFakeAsyncStore()
	if err := New(store, async).Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// Nothing moved: the version key says there is nothing to do, even with
	// a key that looks like generation-0 data.
	if raw, ok, _ := store.Get(ctx, "binder-pages"); !ok || raw != `[{"id":1}]` {
		t.Errorf("combined pages key touched: %q", raw)
	}
	if len(async.saved) != 0 {
		t.Errorf("async store written: %v", async.saved)
	}
}
