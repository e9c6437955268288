package cache

import (
	"context"
	"sort"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"chatus/internal/core"
)

// MemoryStorage implements Storage in process memory.
// This is suitable for single-instance deployments and tests.
type MemoryStorage struct {
	mu         sync.RWMutex
	namespaces map[string]*memoryNamespace
	closed     bool
}

type memoryNamespace struct {
	name  string
	items *gocache.Cache
}

// NewMemoryStorage creates an empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		namespaces: make(map[string]*memoryNamespace),
	}
}

func (s *MemoryStorage) Open(_ context.Context, name string) (Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	if ns, ok := s.namespaces[name]; ok {
		return ns, nil
	}
	// Entries never expire on their own; eviction is by namespace only.
	ns := &memoryNamespace{
		name:  name,
		items: gocache.New(gocache.NoExpiration, 0),
	}
	s.namespaces[name] = ns
	return ns, nil
}

func (s *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStorageClosed
	}
	_, ok := s.namespaces[name]
	return ok, nil
}

func (s *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStorageClosed
	}
	ns, ok := s.namespaces[name]
	if !ok {
		return false, nil
	}
	ns.items.Flush()
	delete(s.namespaces, name)
	return true, nil
}

func (s *MemoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStorageClosed
	}
	names := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Close drops every namespace.
func (s *MemoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ns := range s.namespaces {
		ns.items.Flush()
	}
	s.namespaces = nil
	s.closed = true
	return nil
}

func (n *memoryNamespace) Name() string { return n.name }

func (n *memoryNamespace) Match(_ context.Context, key string) (*core.Response, error) {
	v, ok := n.items.Get(key)
	if !ok {
		return nil, nil
	}
	return v.(*core.Response).Clone(), nil
}

func (n *memoryNamespace) Put(_ context.Context, key string, resp *core.Response) error {
	n.items.Set(key, resp.Clone(), gocache.NoExpiration)
	return nil
}

func (n *memoryNamespace) Delete(_ context.Context, key string) (bool, error) {
	if _, ok := n.items.Get(key); !ok {
		return false, nil
	}
	n.items.Delete(key)
	return true, nil
}

func (n *memoryNamespace) Keys(_ context.Context) ([]string, error) {
	items := n.items.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
