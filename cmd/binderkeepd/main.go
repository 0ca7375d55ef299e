package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"binderkeep/core/internal/app"
	"binderkeep/core/internal/config"
	"binderkeep/core/internal/export"
	"binderkeep/core/internal/imagestore"
	"binderkeep/core/internal/kv"
	"binderkeep/core/internal/migrate"
	"binderkeep/core/internal/pagestore"
	"binderkeep/core/internal/quota"
	"binderkeep/core/internal/registry"
	"binderkeep/core/internal/search"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	kvStore, err := kv.NewRedisStore(cfg.RedisURL, cfg.CapacityBytes)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer kvStore.Close()

	monitor := quota.New(kvStore, cfg.CapacityBytes)

	// Without an image database the migration chain stops at generation 2:
	// handing the kv-backed store to the engine as the async target would
	// have it move every image onto its own key and delete it.
	var images imagestore.Store
	var asyncImages imagestore.Store
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := imagestore.OpenDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()
		pgStore := imagestore.NewPGStore(db)
		if err := pgStore.EnsureSchema(ctx); err != nil {
			log.Fatalf("schema setup failed: %v", err)
		}
		log.Printf("Using the image database for image storage")
		images = pgStore
		asyncImages = pgStore
	} else {
		log.Printf("Using the synchronous store for image storage")
		images = imagestore.NewKVStore(kvStore, monitor)
	}

	reg := registry.New(kvStore)
	pages := pagestore.New(kvStore, images, monitor)
	migrator := migrate.New(kvStore, asyncImages)

	scan := search.NewScan(kvStore)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, scan)

	var uploader *export.Uploader
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		uploader, err = export.NewUploader(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey,
			cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Printf("WARNING: object store unavailable, exports disabled: %v", err)
		}
	}
	exporter := export.NewService(reg, pages, images, uploader)

	service := app.New(cfg, kvStore, monitor, reg, pages, images, migrator, searchService)
	if err := service.Bootstrap(ctx); err != nil {
		log.Printf("WARNING: bootstrap error (will retry on next restart): %v", err)
	}

	ticker := time.NewTicker(cfg.MaintainEvery)
	defer ticker.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				maintainCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				if err := service.Maintain(maintainCtx); err != nil {
					log.Printf("maintenance error: %v", err)
				}
				cancel()
			}
		}
	}()

	// SIGUSR1 archives the selected binder to the object store bucket.
	exportCh := make(chan os.Signal, 1)
	signal.Notify(exportCh, syscall.SIGUSR1)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-exportCh:
				exportCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				binder, err := service.SelectedBinder(exportCtx)
				if err != nil {
					log.Printf("export error: %v", err)
					cancel()
					continue
				}
				objectName, err := exporter.ExportToBucket(exportCtx, binder.ID)
				if err != nil {
					log.Printf("export error: %v", err)
				} else {
					log.Printf("exported binder %s to %s", binder.ID, objectName)
				}
				cancel()
			}
		}
	}()

	log.Printf("binderkeepd running, capacity %d bytes", cfg.CapacityBytes)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(done)

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := service.Flush(flushCtx); err != nil {
		log.Printf("shutdown flush error: %v", err)
	}
}
