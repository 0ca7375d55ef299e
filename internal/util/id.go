package util

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

var (
	mintMu     sync.Mutex
	lastMinted int64
)

// NowMillis returns the current time in Unix milliseconds, the unit binder
// and page IDs are minted in. Consecutive calls never return the same value,
// so IDs minted in the same millisecond stay distinct.
func NowMillis() int64 {
	mintMu.Lock()
	defer mintMu.Unlock()
	now := time.Now().UnixMilli()
	if now <= lastMinted {
		now = lastMinted + 1
	}
	lastMinted = now
	return now
}

// NewBinderID mints a binder ID from the creation time.
func NewBinderID() string {
	return fmt.Sprintf("binder-%d", NowMillis())
}

// NewID returns a random hex ID with an optional prefix.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
