package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func (s *MemoryStore) Put(_ context.Context, snap *Snapshot) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	raw, err := encode(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[snap.Name] = raw
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string) (*Snapshot, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	name = strings.TrimSpace(name)
	s.mu.RLock()
	raw, ok := s.data[name]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(raw)
}

func (s *MemoryStore) List(_ context.Context) ([]string, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.data))
	for name := range s.data {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, strings.TrimSpace(name))
	return nil
}
