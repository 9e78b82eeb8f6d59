// Package cache provides the plan cache: routing decisions keyed by query
// class, invalidated when the placements of an entity change.
package cache

import (
	"container/list"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/TFMV/polyroute/pkg/models"
)

// PlanCache stores cached routing plans keyed by query class id.
type PlanCache interface {
	// Get returns the cached plan of a query class.
	Get(queryClassID string) (*models.CachedRoutingPlan, bool)
	// Put stores or replaces the plan of a query class.
	Put(queryClassID string, plan *models.CachedRoutingPlan)
	// Delete removes the plan of a query class.
	Delete(queryClassID string) bool
	// CompareAndDelete removes the plan only if it is still expected.
	CompareAndDelete(queryClassID string, expected *models.CachedRoutingPlan) bool
	// Invalidate removes every plan referencing the entity and returns how
	// many were removed.
	Invalidate(entityID int64) int
	// Entries returns every cached plan ordered by query class id.
	Entries() []*models.CachedRoutingPlan
	// Len returns the number of cached plans.
	Len() int
	// Clear removes all entries.
	Clear()
	// Stats returns cache statistics.
	Stats() Stats
}

// cacheEntry represents a single cache entry with metadata
type cacheEntry struct {
	plan      *models.CachedRoutingPlan
	createdAt time.Time
	elem      *list.Element // position in the shard's LRU list
}

// shard guards its map and list with mu. Readers holding mu.RLock reorder
// the LRU list under lruMu; writers holding mu.Lock need no lruMu.
type shard struct {
	mu       sync.RWMutex
	entries  map[string]*cacheEntry
	byEntity map[int64]map[string]struct{}

	lruMu sync.Mutex
	lru   *list.List // front is most recently used; values are keys
}

// ShardedPlanCache implements PlanCache with independently locked shards
// selected by hashing the query class id. Readers of a shard proceed in
// parallel; a put and an invalidation touching the same key exclude each
// other; operations on different shards never contend.
type ShardedPlanCache struct {
	shards []*shard
	mask   uint64
	cfg    Config
	stats  *StatsCollector
	now    func() time.Time
}

var _ PlanCache = (*ShardedPlanCache)(nil)

// NewShardedPlanCache creates a plan cache. A nil config uses DefaultConfig.
func NewShardedPlanCache(cfg *Config) *ShardedPlanCache {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := cfg.normalized()
	pc := &ShardedPlanCache{
		shards: make([]*shard, c.Shards),
		mask:   uint64(c.Shards - 1),
		cfg:    c,
		stats:  NewStatsCollector(),
		now:    time.Now,
	}
	for i := range pc.shards {
		pc.shards[i] = newShard()
	}
	return pc
}

func newShard() *shard {
	return &shard{
		entries:  make(map[string]*cacheEntry),
		byEntity: make(map[int64]map[string]struct{}),
		lru:      list.New(),
	}
}

func (c *ShardedPlanCache) shardFor(key string) *shard {
	return c.shards[xxhash.Sum64String(key)&c.mask]
}

func (c *ShardedPlanCache) expired(e *cacheEntry) bool {
	return c.cfg.TTL > 0 && c.now().Sub(e.createdAt) > c.cfg.TTL
}

// Get retrieves a cached plan
func (c *ShardedPlanCache) Get(queryClassID string) (*models.CachedRoutingPlan, bool) {
	s := c.shardFor(queryClassID)

	s.mu.RLock()
	e, ok := s.entries[queryClassID]
	fresh := ok && !c.expired(e)
	if fresh {
		s.lruMu.Lock()
		s.lru.MoveToFront(e.elem)
		s.lruMu.Unlock()
	}
	s.mu.RUnlock()

	if !ok {
		c.recordMiss()
		return nil, false
	}
	if !fresh {
		if c.CompareAndDelete(queryClassID, e.plan) && c.cfg.EnableStats {
			c.stats.RecordEviction()
		}
		c.recordMiss()
		return nil, false
	}

	if c.cfg.EnableStats {
		c.stats.RecordHit()
	}
	return e.plan, true
}

func (c *ShardedPlanCache) recordMiss() {
	if c.cfg.EnableStats {
		c.stats.RecordMiss()
	}
}

// Put stores a cached plan, evicting the least recently used entry of the
// shard when it is full
func (c *ShardedPlanCache) Put(queryClassID string, plan *models.CachedRoutingPlan) {
	if plan == nil {
		return
	}
	s := c.shardFor(queryClassID)
	now := c.now()

	e := &cacheEntry{plan: plan, createdAt: now}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[queryClassID]; ok {
		s.unindex(queryClassID, old.plan)
		s.lru.Remove(old.elem)
	} else {
		if len(s.entries) >= c.cfg.MaxEntriesPerShard {
			s.evictOldest()
			if c.cfg.EnableStats {
				c.stats.RecordEviction()
				c.stats.AddSize(-1)
			}
		}
		if c.cfg.EnableStats {
			c.stats.AddSize(1)
		}
	}
	e.elem = s.lru.PushFront(queryClassID)
	s.entries[queryClassID] = e
	for _, id := range plan.Entities {
		keys := s.byEntity[id]
		if keys == nil {
			keys = make(map[string]struct{})
			s.byEntity[id] = keys
		}
		keys[queryClassID] = struct{}{}
	}
	if c.cfg.EnableStats {
		c.stats.RecordPut()
	}
}

// Delete removes a cached plan
func (c *ShardedPlanCache) Delete(queryClassID string) bool {
	s := c.shardFor(queryClassID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.removeLocked(s, queryClassID, nil)
}

// CompareAndDelete removes a cached plan only while it is still the given one
func (c *ShardedPlanCache) CompareAndDelete(queryClassID string, expected *models.CachedRoutingPlan) bool {
	s := c.shardFor(queryClassID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return c.removeLocked(s, queryClassID, expected)
}

func (c *ShardedPlanCache) removeLocked(s *shard, key string, expected *models.CachedRoutingPlan) bool {
	e, ok := s.entries[key]
	if !ok || (expected != nil && e.plan != expected) {
		return false
	}
	s.unindex(key, e.plan)
	s.lru.Remove(e.elem)
	delete(s.entries, key)
	if c.cfg.EnableStats {
		c.stats.AddSize(-1)
	}
	return true
}

// Invalidate removes every plan referencing the entity
func (c *ShardedPlanCache) Invalidate(entityID int64) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key := range s.byEntity[entityID] {
			if c.removeLocked(s, key, nil) {
				removed++
			}
		}
		s.mu.Unlock()
	}
	if c.cfg.EnableStats {
		c.stats.RecordInvalidations(removed)
	}
	return removed
}

// Entries returns a consistent per-shard copy of every cached plan
func (c *ShardedPlanCache) Entries() []*models.CachedRoutingPlan {
	var out []*models.CachedRoutingPlan
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.entries {
			if !c.expired(e) {
				out = append(out, e.plan)
			}
		}
		s.mu.RUnlock()
	}
	slices.SortFunc(out, func(a, b *models.CachedRoutingPlan) int {
		return strings.Compare(a.QueryClassID, b.QueryClassID)
	})
	return out
}

// Len returns the number of cached plans
func (c *ShardedPlanCache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Clear removes all entries from the cache
func (c *ShardedPlanCache) Clear() {
	for _, s := range c.shards {
		s.mu.Lock()
		s.entries = make(map[string]*cacheEntry)
		s.byEntity = make(map[int64]map[string]struct{})
		s.lru.Init()
		s.mu.Unlock()
	}
	if c.cfg.EnableStats {
		c.stats.UpdateSize(0)
	}
}

// Stats returns cache statistics
func (c *ShardedPlanCache) Stats() Stats {
	st := c.stats.GetStats()
	st.Size = int64(c.Len())
	return st
}

// unindex drops key from the entity index (caller holds the lock).
func (s *shard) unindex(key string, plan *models.CachedRoutingPlan) {
	for _, id := range plan.Entities {
		keys := s.byEntity[id]
		delete(keys, key)
		if len(keys) == 0 {
			delete(s.byEntity, id)
		}
	}
}

// evictOldest removes the least recently used entry (caller holds the lock).
func (s *shard) evictOldest() {
	back := s.lru.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	s.unindex(key, s.entries[key].plan)
	s.lru.Remove(back)
	delete(s.entries, key)
}
