package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"github.com/brikpay/refund-params/internal/model"
)

type item struct {
	resolved *model.ResolvedParameter
	seq      uint64
}

type tracked struct {
	chain model.InheritanceChain
	seq   uint64
}

// TTLCache is an in-process ResolutionCache. Besides the ttlcache store it
// keeps, per parameter name, a reverse index from every hierarchy level to
// the requesting entities whose cached resolution walked through it.
type TTLCache struct {
	cache       *ttlcache.Cache[key, item]
	descendants DescendantLister

	mu      sync.Mutex
	seq     uint64
	epoch   uint64
	nameGen map[string]uint64
	chains  map[key]tracked
	reverse map[string]map[model.HierarchyLevel]map[string]struct{}
}

type Option func(*TTLCache)

func WithDescendantLister(l DescendantLister) Option {
	return func(c *TTLCache) { c.descendants = l }
}

// NewTTLCache builds the cache. ttl is a safety net only; capacity 0 means
// unbounded.
func NewTTLCache(ttl time.Duration, capacity uint64, opts ...Option) *TTLCache {
	ttlOpts := []ttlcache.Option[key, item]{
		ttlcache.WithTTL[key, item](ttl),
		ttlcache.WithDisableTouchOnHit[key, item](),
	}
	if capacity > 0 {
		ttlOpts = append(ttlOpts, ttlcache.WithCapacity[key, item](capacity))
	}

	c := &TTLCache{
		cache:   ttlcache.New(ttlOpts...),
		nameGen: make(map[string]uint64),
		chains:  make(map[key]tracked),
		reverse: make(map[string]map[model.HierarchyLevel]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cache.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, it *ttlcache.Item[key, item]) {
		c.forget(it.Key(), it.Value().seq)
	})
	go c.cache.Start()
	return c
}

func (c *TTLCache) Close() {
	c.cache.Stop()
}

func (c *TTLCache) Len() int {
	return c.cache.Len()
}

func (c *TTLCache) Metrics() ttlcache.Metrics {
	return c.cache.Metrics()
}

// Get returns a copy of the cached resolution, so callers may modify it.
func (c *TTLCache) Get(_ context.Context, name, entityID string) (*model.ResolvedParameter, bool, error) {
	it := c.cache.Get(key{Name: name, EntityID: entityID})
	if it == nil {
		return nil, false, nil
	}
	return it.Value().resolved.Clone(), true, nil
}

func (c *TTLCache) GetBulk(ctx context.Context, names []string, entityID string) (map[string]*model.ResolvedParameter, error) {
	out := make(map[string]*model.ResolvedParameter, len(names))
	for _, name := range names {
		rp, ok, _ := c.Get(ctx, name, entityID)
		if ok {
			out[name] = rp
		}
	}
	return out, nil
}

func (c *TTLCache) Snapshot(name string) Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Generation{epoch: c.epoch, name: c.nameGen[name]}
}

func (c *TTLCache) Set(_ context.Context, entityID string, e Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(entityID, e)
	return nil
}

func (c *TTLCache) SetBulk(_ context.Context, entityID string, entries []Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		c.setLocked(entityID, e)
	}
	return nil
}

func (c *TTLCache) setLocked(entityID string, e Entry) {
	if e.Gen.epoch != c.epoch || e.Gen.name != c.nameGen[e.Name] {
		log.Debug().Str("parameter", e.Name).Str("entity_id", entityID).Msg("dropping cache write after invalidation")
		return
	}
	k := key{Name: e.Name, EntityID: entityID}
	if prev, ok := c.chains[k]; ok {
		c.unindexLocked(k, prev.chain)
	}
	c.seq++
	c.chains[k] = tracked{chain: e.Chain, seq: c.seq}
	c.indexLocked(k, e.Chain)
	c.cache.Set(k, item{resolved: e.Resolved.Clone(), seq: c.seq}, ttlcache.DefaultTTL)
}

// Invalidate removes every entry whose "name:entityID" key matches the glob
// pattern and returns how many were removed.
func (c *TTLCache) Invalidate(_ context.Context, pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, &model.CacheError{Op: "invalidate", Err: fmt.Errorf("compile pattern %q: %w", pattern, err)}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++

	removed := 0
	for _, k := range c.cache.Keys() {
		if g.Match(k.String()) {
			c.deleteLocked(k)
			removed++
		}
	}
	return removed, nil
}

// InvalidateName drops every cached resolution of one parameter.
func (c *TTLCache) InvalidateName(ctx context.Context, name string) (int, error) {
	return c.Invalidate(ctx, glob.QuoteMeta(name)+":*")
}

// InvalidateHierarchy removes the cached resolution of name for the written
// level itself and for every requesting entity whose chain passes through it.
func (c *TTLCache) InvalidateHierarchy(ctx context.Context, name string, entityType model.EntityType, entityID string) (int, error) {
	var extra []string
	var listErr error
	if c.descendants != nil && entityType != model.EntityMerchant {
		extra, listErr = c.descendants.ListDescendants(ctx, entityType, entityID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nameGen[name]++

	targets := map[string]struct{}{entityID: {}}
	level := model.HierarchyLevel{EntityType: entityType, EntityID: entityID}
	for id := range c.reverse[name][level] {
		targets[id] = struct{}{}
	}
	for _, id := range extra {
		targets[id] = struct{}{}
	}

	removed := 0
	for id := range targets {
		k := key{Name: name, EntityID: id}
		if c.cache.Has(k) {
			removed++
		}
		c.deleteLocked(k)
	}

	if listErr != nil {
		return removed, &model.CacheError{Op: "list descendants", Err: listErr}
	}
	return removed, nil
}

func (c *TTLCache) deleteLocked(k key) {
	if prev, ok := c.chains[k]; ok {
		c.unindexLocked(k, prev.chain)
		delete(c.chains, k)
	}
	c.cache.Delete(k)
}

func (c *TTLCache) indexLocked(k key, chain model.InheritanceChain) {
	byLevel, ok := c.reverse[k.Name]
	if !ok {
		byLevel = make(map[model.HierarchyLevel]map[string]struct{})
		c.reverse[k.Name] = byLevel
	}
	for _, lvl := range chain {
		ids, ok := byLevel[lvl]
		if !ok {
			ids = make(map[string]struct{})
			byLevel[lvl] = ids
		}
		ids[k.EntityID] = struct{}{}
	}
}

func (c *TTLCache) unindexLocked(k key, chain model.InheritanceChain) {
	byLevel := c.reverse[k.Name]
	for _, lvl := range chain {
		ids := byLevel[lvl]
		delete(ids, k.EntityID)
		if len(ids) == 0 {
			delete(byLevel, lvl)
		}
	}
	if len(byLevel) == 0 {
		delete(c.reverse, k.Name)
	}
}

// forget runs from ttlcache's eviction callback, which is asynchronous: only
// unindex when the evicted item is still the one the index describes.
func (c *TTLCache) forget(k key, seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.chains[k]
	if !ok || prev.seq != seq {
		return
	}
	c.unindexLocked(k, prev.chain)
	delete(c.chains, k)
}

// indexed reports how many requesting entities are tracked under a level.
func (c *TTLCache) indexed(name string, level model.HierarchyLevel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reverse[name][level])
}
