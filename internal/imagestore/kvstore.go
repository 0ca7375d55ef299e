package imagestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"

	"binderkeep/core/internal/compress"
	"binderkeep/core/internal/keyspace"
	"binderkeep/core/internal/kv"
	"binderkeep/core/internal/quota"
)

// Eviction thresholds, in percent of the capacity ceiling.
const (
	cleanupTarget           = 80
	cleanupTargetAggressive = 70
	aggressiveEntryPercent  = 85
	aggressiveStopPercent   = 80
	// At most this fraction of referenced images may be lost per aggressive pass.
	aggressiveReferencedCap = 0.1
)

const defaultBackAdvisoryBytes = 200 * 1024

// imageKeyPattern matches image keys under any binder namespace, including
// the legacy flat one.
var imageKeyPattern = regexp.MustCompile(`^binder-(?:.+-)?image-`)

// KVStore keeps images as data-URI strings in the synchronous store. It is
// the backend for generations before the separate image database.
type KVStore struct {
	kv      kv.Store
	monitor *quota.Monitor
}

func NewKVStore(store kv.Store, monitor *quota.Monitor) *KVStore {
	return &KVStore{kv: store, monitor: monitor}
}

// Save rejects the write before touching the store when the payload exceeds
// the estimated free space, so a failed save never leaves partial state.
func (s *KVStore) Save(ctx context.Context, binderID, imageKey, data string) error {
	available, err := s.monitor.AvailableBytes(ctx)
	if err != nil {
		return err
	}
	if int64(len(data)) > available {
		return fmt.Errorf("save image %s (%d bytes, %d available): %w",
			imageKey, len(data), available, ErrCapacityExceeded)
	}

	usage, err := s.monitor.UsagePercent(ctx)
	if err != nil {
		return err
	}
	if ceiling := compress.ByteCeiling(usage); len(data) > ceiling {
		log.Printf("imagestore: image %s is %.2fKB, above the %.0fKB ceiling at %.0f%% usage",
			imageKey, float64(len(data))/1024, float64(ceiling)/1024, usage)
	}

	if err := s.kv.Set(ctx, keyspace.Image(binderID, imageKey), data); err != nil {
		if errors.Is(err, kv.ErrCapacityExceeded) {
			return fmt.Errorf("save image %s: %w", imageKey, ErrCapacityExceeded)
		}
		return fmt.Errorf("save image %s: %w", imageKey, err)
	}
	return nil
}

func (s *KVStore) Load(ctx context.Context, binderID, imageKey string) (string, error) {
	data, _, err := s.kv.Get(ctx, keyspace.Image(binderID, imageKey))
	if err != nil {
		return "", fmt.Errorf("load image %s: %w", imageKey, err)
	}
	return data, nil
}

func (s *KVStore) Remove(ctx context.Context, binderID, imageKey string) error {
	if err := s.kv.Remove(ctx, keyspace.Image(binderID, imageKey)); err != nil {
		return fmt.Errorf("remove image %s: %w", imageKey, err)
	}
	return nil
}

// RemoveAllForBinder collects every image key in one sweep before deleting,
// so a caller never observes a partially deleted binder. The default back
// image goes with them.
func (s *KVStore) RemoveAllForBinder(ctx context.Context, binderID string) error {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return fmt.Errorf("remove binder images: %w", err)
	}
	prefix := keyspace.ImagePrefix(binderID)
	var doomed []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		if err := s.kv.Remove(ctx, key); err != nil {
			return fmt.Errorf("remove binder images: %w", err)
		}
	}
	return s.RemoveDefaultBack(ctx, binderID)
}

func (s *KVStore) SaveDefaultBack(ctx context.Context, binderID, data string) error {
	if len(data) > defaultBackAdvisoryBytes {
		log.Printf("imagestore: default back image for %s is %.2fKB, consider compressing",
			binderID, float64(len(data))/1024)
	}
	if err := s.kv.Set(ctx, keyspace.DefaultBackImage(binderID), data); err != nil {
		if errors.Is(err, kv.ErrCapacityExceeded) {
			return fmt.Errorf("save default back image: %w", ErrCapacityExceeded)
		}
		return fmt.Errorf("save default back image: %w", err)
	}
	return nil
}

func (s *KVStore) LoadDefaultBack(ctx context.Context, binderID string) (string, error) {
	data, _, err := s.kv.Get(ctx, keyspace.DefaultBackImage(binderID))
	if err != nil {
		return "", fmt.Errorf("load default back image: %w", err)
	}
	return data, nil
}

func (s *KVStore) RemoveDefaultBack(ctx context.Context, binderID string) error {
	if err := s.kv.Remove(ctx, keyspace.DefaultBackImage(binderID)); err != nil {
		return fmt.Errorf("remove default back image: %w", err)
	}
	return nil
}

func (s *KVStore) CountAll(ctx context.Context) (int, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("count images: %w", err)
	}
	count := 0
	for _, key := range keys {
		if imageKeyPattern.MatchString(key) {
			count++
		}
	}
	return count, nil
}

type evictionCandidate struct {
	imageKey  string
	size      int64
	timestamp int64
}

// Cleanup relieves quota pressure for one binder. Unreferenced images go
// first, largest first, until usage drops under the target. In aggressive
// mode, if usage is still at or above 85% afterwards, the oldest referenced
// images are also evicted, capped at 10% of the referenced set per pass.
func (s *KVStore) Cleanup(ctx context.Context, binderID string, aggressive bool) error {
	target := int64(cleanupTarget)
	if aggressive {
		target = cleanupTargetAggressive
	}

	usage, err := s.monitor.UsagePercent(ctx)
	if err != nil {
		return err
	}
	if usage < float64(target) {
		return nil
	}
	if binderID == "" {
		return nil
	}

	referenced, err := s.referencedImageKeys(ctx, binderID)
	if err != nil {
		return err
	}

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		return fmt.Errorf("cleanup scan: %w", err)
	}
	imagePrefix := keyspace.ImagePrefix(binderID)
	var unreferenced []evictionCandidate
	for _, key := range keys {
		if !strings.HasPrefix(key, imagePrefix) {
			continue
		}
		imageKey := strings.TrimPrefix(key, imagePrefix)
		if _, used := referenced[imageKey]; used {
			continue
		}
		data, ok, err := s.kv.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		unreferenced = append(unreferenced, evictionCandidate{
			imageKey:  imageKey,
			size:      int64(len(data)),
			timestamp: KeyTimestamp(imageKey),
		})
	}

	sort.Slice(unreferenced, func(i, j int) bool {
		return unreferenced[i].size > unreferenced[j].size
	})

	used, err := s.monitor.UsedBytes(ctx)
	if err != nil {
		return err
	}
	needToFree := used - s.monitor.Capacity()*target/100
	var freed int64
	for _, candidate := range unreferenced {
		if freed >= needToFree {
			break
		}
		if err := s.Remove(ctx, binderID, candidate.imageKey); err != nil {
			return err
		}
		freed += candidate.size
	}

	if !aggressive {
		return nil
	}
	usage, err = s.monitor.UsagePercent(ctx)
	if err != nil {
		return err
	}
	if usage < aggressiveEntryPercent {
		return nil
	}
	return s.evictReferenced(ctx, binderID, referenced)
}

// evictReferenced is the last-resort lossy path: in-use images are deleted
// oldest-first. Every deletion here loses user-visible data.
func (s *KVStore) evictReferenced(ctx context.Context, binderID string, referenced map[string]struct{}) error {
	var inUse []evictionCandidate
	for imageKey := range referenced {
		data, err := s.Load(ctx, binderID, imageKey)
		if err != nil || data == "" {
			continue
		}
		inUse = append(inUse, evictionCandidate{
			imageKey:  imageKey,
			size:      int64(len(data)),
			timestamp: KeyTimestamp(imageKey),
		})
	}
	sort.Slice(inUse, func(i, j int) bool {
		return inUse[i].timestamp < inUse[j].timestamp
	})

	budget := int(float64(len(inUse))*aggressiveReferencedCap + 0.999)
	for i := 0; i < budget && i < len(inUse); i++ {
		usage, err := s.monitor.UsagePercent(ctx)
		if err != nil {
			return err
		}
		if usage < aggressiveStopPercent {
			return nil
		}
		log.Printf("WARNING: imagestore: lossy eviction of in-use image %s (binder %s)",
			inUse[i].imageKey, binderID)
		if err := s.Remove(ctx, binderID, inUse[i].imageKey); err != nil {
			return err
		}
	}
	return nil
}

// referencedImageKeys collects every image key the binder's persisted pages
// still reference, from both content grids.
func (s *KVStore) referencedImageKeys(ctx context.Context, binderID string) (map[string]struct{}, error) {
	referenced := make(map[string]struct{})

	listRaw, ok, err := s.kv.Get(ctx, keyspace.PagesList(binderID))
	if err != nil {
		return nil, fmt.Errorf("cleanup page list: %w", err)
	}
	if !ok {
		return referenced, nil
	}
	var pageIDs []int64
	if err := json.Unmarshal([]byte(listRaw), &pageIDs); err != nil {
		return nil, fmt.Errorf("cleanup page list: %w", err)
	}

	for _, pageID := range pageIDs {
		raw, ok, err := s.kv.Get(ctx, keyspace.Page(binderID, pageID))
		if err != nil || !ok {
			continue
		}
		var record struct {
			Content     map[string]*string `json:"content"`
			BackContent map[string]*string `json:"backContent"`
		}
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			log.Printf("imagestore: cleanup skipping unreadable page %d: %v", pageID, err)
			continue
		}
		for _, grid := range []map[string]*string{record.Content, record.BackContent} {
			for _, value := range grid {
				if value == nil {
					continue
				}
				if imageKey, isRef := ParseRef(*value); isRef {
					referenced[imageKey] = struct{}{}
				}
			}
		}
	}
	return referenced, nil
}
