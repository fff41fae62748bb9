package storage

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("storage key not found")

// Change reports that a key was written by another writer sharing the same
// storage: another process, another device session. Writes made through the
// receiving Store itself are never reported back to it.
type Change struct {
	Key string
}

// Store is the resilient local storage used for fallback caches and
// per-user plan state.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Watch(ctx context.Context) (<-chan Change, error)
	Close() error
}
