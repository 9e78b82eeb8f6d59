package cache

import (
	"sync/atomic"
	"time"
)

// Stats holds cache statistics
type Stats struct {
	Hits          uint64    `json:"hits"`
	Misses        uint64    `json:"misses"`
	Puts          uint64    `json:"puts"`
	Evictions     uint64    `json:"evictions"`
	Invalidations uint64    `json:"invalidations"`
	Size          int64     `json:"size"`
	HitRate       float64   `json:"hit_rate"`
	LastUpdated   time.Time `json:"last_updated"`
}

// StatsCollector collects and reports cache statistics
type StatsCollector struct {
	hits          atomic.Uint64
	misses        atomic.Uint64
	puts          atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64
	size          atomic.Int64
	lastUpdated   atomic.Int64 // unix-nanos
}

// NewStatsCollector creates a new statistics collector
func NewStatsCollector() *StatsCollector {
	c := &StatsCollector{}
	c.touch()
	return c
}

func (c *StatsCollector) touch() {
	c.lastUpdated.Store(time.Now().UnixNano())
}

// RecordHit records a cache hit
func (c *StatsCollector) RecordHit() {
	c.hits.Add(1)
	c.touch()
}

// RecordMiss records a cache miss
func (c *StatsCollector) RecordMiss() {
	c.misses.Add(1)
	c.touch()
}

// RecordPut records a cache write
func (c *StatsCollector) RecordPut() {
	c.puts.Add(1)
	c.touch()
}

// RecordEviction records a capacity or expiry eviction
func (c *StatsCollector) RecordEviction() {
	c.evictions.Add(1)
	c.touch()
}

// RecordInvalidations records entries removed because their entity changed
func (c *StatsCollector) RecordInvalidations(n int) {
	if n <= 0 {
		return
	}
	c.invalidations.Add(uint64(n))
	c.touch()
}

// AddSize adjusts the current number of entries
func (c *StatsCollector) AddSize(delta int64) {
	c.size.Add(delta)
	c.touch()
}

// UpdateSize sets the current number of entries
func (c *StatsCollector) UpdateSize(size int64) {
	c.size.Store(size)
	c.touch()
}

// GetStats returns the current cache statistics
func (c *StatsCollector) GetStats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Puts:          c.puts.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		Size:          c.size.Load(),
		HitRate:       c.HitRate(),
		LastUpdated:   time.Unix(0, c.lastUpdated.Load()),
	}
}

// HitRate returns the cache hit rate
func (c *StatsCollector) HitRate() float64 {
	hits := c.hits.Load()
	total := hits + c.misses.Load()
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
