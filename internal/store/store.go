// Package store persists small configuration blobs under fixed keys.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("store: key not found")

// Store is a key-value store for configuration blobs. Put replaces the whole
// value atomically.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string][]byte{}}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

// Open returns the store named by u:
//
//	"" or "memory://"           in-process memory
//	"file:///path" or a path    one file per key under the directory
//	"redis://", "rediss://",
//	"redis-sentinel://", ...    Redis
func Open(u string) (Store, error) {
	switch {
	case u == "" || u == "memory://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(u, "file://"):
		return NewFileStore(strings.TrimPrefix(u, "file://"))
	case strings.HasPrefix(u, "redis://"), strings.HasPrefix(u, "rediss://"),
		strings.HasPrefix(u, "redis-sentinel://"), strings.HasPrefix(u, "rediss-sentinel://"):
		return NewRedisStore(u)
	case strings.Contains(u, "://"):
		return nil, fmt.Errorf("store: unsupported url %q", u)
	default:
		return NewFileStore(u)
	}
}
