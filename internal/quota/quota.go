// Package quota estimates storage usage against the assumed capacity ceiling
// of the synchronous store.
package quota

import (
	"context"
	"errors"
	"fmt"

	"binderkeep/core/internal/kv"
)

// probeKey is written and immediately removed to detect a store that is
// already out of space.
const probeKey = "__binderkeep_probe__"

// Monitor reads usage from a Store. It is an approximation: one code unit is
// counted as one byte, which is an acceptable error band for soft thresholds.
type Monitor struct {
	store    kv.Store
	capacity int64
}

func New(store kv.Store, capacity int64) *Monitor {
	return &Monitor{store: store, capacity: capacity}
}

// Capacity returns the assumed ceiling in bytes.
func (m *Monitor) Capacity() int64 {
	return m.capacity
}

// UsedBytes sums key and value lengths over all entries.
func (m *Monitor) UsedBytes(ctx context.Context) (int64, error) {
	keys, err := m.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("quota scan: %w", err)
	}
	var total int64
	for _, key := range keys {
		value, ok, err := m.store.Get(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("quota scan %s: %w", key, err)
		}
		if !ok {
			continue
		}
		total += int64(len(key) + len(value))
	}
	return total, nil
}

// UsagePercent returns used bytes as a percentage of the ceiling.
func (m *Monitor) UsagePercent(ctx context.Context) (float64, error) {
	used, err := m.UsedBytes(ctx)
	if err != nil {
		return 0, err
	}
	return float64(used) / float64(m.capacity) * 100, nil
}

// AvailableBytes estimates free space. A probe write detects immediate
// exhaustion: if even a tiny entry is rejected, available space is reported
// as zero rather than propagating the failure.
func (m *Monitor) AvailableBytes(ctx context.Context) (int64, error) {
	if err := m.store.Set(ctx, probeKey, "probe"); err != nil {
		if errors.Is(err, kv.ErrCapacityExceeded) {
			return 0, nil
		}
		return 0, fmt.Errorf("quota probe: %w", err)
	}
	if err := m.store.Remove(ctx, probeKey); err != nil {
		return 0, fmt.Errorf("quota probe cleanup: %w", err)
	}

	used, err := m.UsedBytes(ctx)
	if err != nil {
		return 0, err
	}
	free := m.capacity - used
	if free < 0 {
		free = 0
	}
	return free, nil
}
