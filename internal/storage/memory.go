package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryProvider keeps values in a map. Values are copied on the way in and
// out so callers cannot alias stored bytes.
type MemoryProvider struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{objects: make(map[string][]byte)}
}

func (p *MemoryProvider) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (p *MemoryProvider) Set(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.objects[key] = append([]byte(nil), value...)
	return nil
}

func (p *MemoryProvider) Delete(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.objects, key)
	return nil
}

func (p *MemoryProvider) List(ctx context.Context, prefix string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	keys := make([]string, 0)
	for k := range p.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (p *MemoryProvider) Close() error {
	return nil
}

var _ Provider = (*MemoryProvider)(nil)
