// Package kv defines the synchronous key-value store contract the binder
// subsystem persists through, plus its Redis implementation.
//
// The store carries a fixed assumed capacity ceiling: browsers do not expose
// an exact quota, so writes are rejected against an estimate rather than a
// hard backend limit.
package kv

import (
	"context"
	"errors"
)

// ErrCapacityExceeded is returned by Set when the write would push the store
// past its capacity ceiling.
var ErrCapacityExceeded = errors.New("kv: capacity exceeded")

// Store is the synchronous store contract: string keys, string values,
// enumerable keys. Get reports absence via the bool, never an error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}
