package snapshot

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int

	ListTTL time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:        time.Minute,
		MaxEntries: 64,
		ListTTL:    10 * time.Second,
	}
}

type CacheMetrics struct {
	Hits         uint64
	Misses       uint64
	ListHits     uint64
	ListMisses   uint64
	OriginReads  uint64
	OriginWrites uint64
	OriginErrors uint64
}

type cacheMetrics struct {
	hits         atomic.Uint64
	misses       atomic.Uint64
	listHits     atomic.Uint64
	listMisses   atomic.Uint64
	originReads  atomic.Uint64
	originWrites atomic.Uint64
	originErrors atomic.Uint64
}

const listKey = "*"

// CachedStore fronts a slower Store with expiring in-memory caches.
// Snapshots are shared between callers and must not be mutated.
type CachedStore struct {
	origin Store

	snaps   *expirable.LRU[string, *Snapshot]
	lists   *expirable.LRU[string, []string]
	metrics cacheMetrics
}

func NewCachedStore(origin Store, cfg CacheConfig) *CachedStore {
	def := DefaultCacheConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	if cfg.ListTTL <= 0 {
		cfg.ListTTL = def.ListTTL
	}
	return &CachedStore{
		origin: origin,
		snaps:  expirable.NewLRU[string, *Snapshot](cfg.MaxEntries, nil, cfg.TTL),
		lists:  expirable.NewLRU[string, []string](1, nil, cfg.ListTTL),
	}
}

func (s *CachedStore) Put(ctx context.Context, snap *Snapshot) error {
	s.metrics.originWrites.Add(1)
	if err := s.origin.Put(ctx, snap); err != nil {
		s.metrics.originErrors.Add(1)
		return err
	}
	s.snaps.Add(snap.Name, snap)
	s.lists.Remove(listKey)
	return nil
}

func (s *CachedStore) Get(ctx context.Context, name string) (*Snapshot, error) {
	name = strings.TrimSpace(name)
	if snap, ok := s.snaps.Get(name); ok {
		s.metrics.hits.Add(1)
		return snap, nil
	}
	s.metrics.misses.Add(1)
	s.metrics.originReads.Add(1)

	snap, err := s.origin.Get(ctx, name)
	if err != nil {
		s.metrics.originErrors.Add(1)
		return nil, err
	}
	s.snaps.Add(name, snap)
	return snap, nil
}

func (s *CachedStore) List(ctx context.Context) ([]string, error) {
	if names, ok := s.lists.Get(listKey); ok {
		s.metrics.listHits.Add(1)
		return append([]string(nil), names...), nil
	}
	s.metrics.listMisses.Add(1)
	s.metrics.originReads.Add(1)

	names, err := s.origin.List(ctx)
	if err != nil {
		s.metrics.originErrors.Add(1)
		return nil, err
	}
	s.lists.Add(listKey, append([]string(nil), names...))
	return names, nil
}

func (s *CachedStore) Delete(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	s.snaps.Remove(name)
	s.lists.Remove(listKey)
	s.metrics.originWrites.Add(1)
	if err := s.origin.Delete(ctx, name); err != nil {
		s.metrics.originErrors.Add(1)
		return err
	}
	return nil
}

func (s *CachedStore) Metrics() CacheMetrics {
	if s == nil {
		return CacheMetrics{}
	}
	return CacheMetrics{
		Hits:         s.metrics.hits.Load(),
		Misses:       s.metrics.misses.Load(),
		ListHits:     s.metrics.listHits.Load(),
		ListMisses:   s.metrics.listMisses.Load(),
		OriginReads:  s.metrics.originReads.Load(),
		OriginWrites: s.metrics.originWrites.Load(),
		OriginErrors: s.metrics.originErrors.Load(),
	}
}
