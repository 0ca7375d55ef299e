// Package keyspace derives the storage keys for a binder's namespace.
//
// Every record a binder owns lives under the prefix "binder-{binderID}-".
// An empty binder ID selects the legacy flat namespace ("binder-") that
// predates multi-binder support; it only matters during migration.
package keyspace

import "strconv"

// Global keys, outside any binder namespace.
const (
	BindersListKey    = "binders-list"
	SelectedBinderKey = "selected-binder-id"
	SchemaVersionKey  = "schema-version"
)

// Logical names under a binder prefix.
const (
	pagesListName        = "pages-list"
	pageName             = "page-"
	settingsName         = "settings"
	galleryURLsName      = "gallery-urls"
	defaultBackImageName = "default-back-image"
	imageName            = "image-"
)

// Prefix returns the key prefix for a binder's namespace.
func Prefix(binderID string) string {
	if binderID == "" {
		return "binder-"
	}
	return "binder-" + binderID + "-"
}

// PagesList returns the key holding the ordered page ID index.
func PagesList(binderID string) string {
	return Prefix(binderID) + pagesListName
}

// Page returns the key holding one page record.
func Page(binderID string, pageID int64) string {
	return Prefix(binderID) + pageName + strconv.FormatInt(pageID, 10)
}

// Settings returns the key holding the per-binder settings blob.
func Settings(binderID string) string {
	return Prefix(binderID) + settingsName
}

// GalleryURLs returns the key holding the binder's gallery URL list.
func GalleryURLs(binderID string) string {
	return Prefix(binderID) + galleryURLsName
}

// DefaultBackImage returns the key holding the binder's default back image.
func DefaultBackImage(binderID string) string {
	return Prefix(binderID) + defaultBackImageName
}

// Image returns the key holding one image payload in the synchronous store.
func Image(binderID, imageKey string) string {
	return Prefix(binderID) + imageName + imageKey
}

// ImagePrefix returns the prefix shared by all of a binder's image keys.
func ImagePrefix(binderID string) string {
	return Prefix(binderID) + imageName
}
