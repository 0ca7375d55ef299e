package export

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"binderkeep/core/internal/imagestore"
	"binderkeep/core/internal/pagestore"
	"binderkeep/core/internal/registry"
)

// Service assembles binder archives. The uploader may be nil when no object
// store is configured; Export still works, only ExportToBucket refuses.
type Service struct {
	registry *registry.Registry
	pages    *pagestore.Store
	images   imagestore.Store
	uploader *Uploader
}

func NewService(reg *registry.Registry, pages *pagestore.Store, images imagestore.Store, uploader *Uploader) *Service {
	return &Service{registry: reg, pages: pages, images: images, uploader: uploader}
}

// Export builds a self-contained tar.gz archive of one binder: its
// metadata, settings, gallery, page records in wire form, and every image
// the pages reference.
func (s *Service) Export(ctx context.Context, binderID string) (*Result, error) {
	binders, err := s.registry.Binders(ctx)
	if err != nil {
		return nil, err
	}
	var binder *registry.Binder
	for i := range binders {
		if binders[i].ID == binderID {
			binder = &binders[i]
			break
		}
	}
	if binder == nil {
		return nil, ErrBinderNotFound
	}

	var files []archiveFile
	addJSON := func(name string, v any) error {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("encode %s: %w", name, err)
		}
		files = append(files, archiveFile{name: name, data: data})
		return nil
	}

	if err := addJSON("binder.json", binder); err != nil {
		return nil, err
	}

	settings, ok, err := s.registry.Settings(ctx, binderID)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := addJSON("settings.json", settings); err != nil {
			return nil, err
		}
	}

	gallery, err := s.registry.GalleryURLs(ctx, binderID)
	if err != nil {
		return nil, err
	}
	if len(gallery) > 0 {
		if err := addJSON("gallery.json", gallery); err != nil {
			return nil, err
		}
	}

	pageIDs, err := s.pages.PageIDs(ctx, binderID)
	if err != nil {
		return nil, err
	}
	if err := addJSON("pages.json", pageIDs); err != nil {
		return nil, err
	}

	imageKeys := make(map[string]struct{})
	for _, pageID := range pageIDs {
		page, err := s.pages.LoadRaw(ctx, binderID, pageID)
		if err != nil {
			return nil, err
		}
		if page == nil {
			continue
		}
		if err := addJSON(fmt.Sprintf("pages/%d.json", pageID), page); err != nil {
			return nil, err
		}
		for _, grid := range []pagestore.Grid{page.Content, page.BackContent} {
			for _, slot := range grid {
				if slot.Kind == pagestore.SlotRef {
					imageKeys[slot.Value] = struct{}{}
				}
			}
		}
	}

	sortedKeys := make([]string, 0, len(imageKeys))
	for imageKey := range imageKeys {
		sortedKeys = append(sortedKeys, imageKey)
	}
	sort.Strings(sortedKeys)
	for _, imageKey := range sortedKeys {
		data, err := s.images.Load(ctx, binderID, imageKey)
		if err != nil {
			return nil, fmt.Errorf("load image %s: %w", imageKey, err)
		}
		if data == "" {
			continue
		}
		files = append(files, archiveFile{name: "images/" + imageKey, data: []byte(data)})
	}

	defaultBack, err := s.images.LoadDefaultBack(ctx, binderID)
	if err != nil {
		return nil, err
	}
	if defaultBack != "" {
		files = append(files, archiveFile{name: "images/default-back", data: []byte(defaultBack)})
	}

	data, err := buildTarGz(files)
	if err != nil {
		return nil, err
	}

	return &Result{
		Data:     data,
		Filename: fmt.Sprintf("%s-%s.tar.gz", sanitizeFilename(binder.Name), time.Now().Format("20060102")),
		MimeType: "application/gzip",
	}, nil
}

// ExportToBucket builds the archive and uploads it, returning the object
// name.
func (s *Service) ExportToBucket(ctx context.Context, binderID string) (string, error) {
	if s.uploader == nil {
		return "", ErrUploadNotConfigured
	}
	result, err := s.Export(ctx, binderID)
	if err != nil {
		return "", err
	}
	return s.uploader.Upload(ctx, result)
}
