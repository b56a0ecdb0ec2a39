package convstore

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// KV is the minimal key-value surface the conversation store persists through.
// Implementations come in two lifetime classes: ephemeral (in-memory, lives as
// long as the process/session) and persistent (SQLite-backed, survives restarts).
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}

// InMemoryKV is the ephemeral lifetime class. Values are copied on the way in
// and out so callers cannot alias the store's buffers.
type InMemoryKV struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

var _ KV = &InMemoryKV{}

func NewInMemoryKV() *InMemoryKV {
	return &InMemoryKV{entries: map[string][]byte{}}
}

func (s *InMemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s == nil {
		return nil, false, errors.New("in-memory kv: nil store")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("in-memory kv: key is empty")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true, nil
}

func (s *InMemoryKV) Set(_ context.Context, key string, value []byte) error {
	if s == nil {
		return errors.New("in-memory kv: nil store")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("in-memory kv: key is empty")
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.mu.Lock()
	s.entries[key] = cp
	s.mu.Unlock()
	return nil
}

func (s *InMemoryKV) Remove(_ context.Context, key string) error {
	if s == nil {
		return errors.New("in-memory kv: nil store")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("in-memory kv: key is empty")
	}
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryKV) Close() error { return nil }
