package cache

import (
	"math/bits"
	"time"
)

// Config holds the configuration for the plan cache
type Config struct {
	// Shards is the number of independently locked shards, rounded up to a
	// power of two
	Shards int
	// MaxEntriesPerShard bounds each shard; the least recently used entry is
	// evicted beyond it
	MaxEntriesPerShard int
	// TTL is the time-to-live for cache entries, zero means no expiry
	TTL time.Duration
	// EnableStats enables cache statistics collection
	EnableStats bool
}

// DefaultConfig returns a default cache configuration
func DefaultConfig() *Config {
	return &Config{
		Shards:             16,
		MaxEntriesPerShard: 1024,
		TTL:                0,
		EnableStats:        true,
	}
}

// WithShards sets the number of shards
func (c *Config) WithShards(n int) *Config {
	c.Shards = n
	return c
}

// WithMaxEntriesPerShard sets the per-shard capacity
func (c *Config) WithMaxEntriesPerShard(n int) *Config {
	c.MaxEntriesPerShard = n
	return c
}

// WithTTL sets the time-to-live for cache entries
func (c *Config) WithTTL(ttl time.Duration) *Config {
	c.TTL = ttl
	return c
}

// WithStats enables or disables cache statistics
func (c *Config) WithStats(enable bool) *Config {
	c.EnableStats = enable
	return c
}

// normalized returns a copy with defaults applied and Shards rounded up to a
// power of two.
func (c Config) normalized() Config {
	if c.Shards <= 0 {
		c.Shards = 16
	}
	if c.Shards&(c.Shards-1) != 0 {
		c.Shards = 1 << bits.Len(uint(c.Shards))
	}
	if c.MaxEntriesPerShard <= 0 {
		c.MaxEntriesPerShard = 1024
	}
	return c
}
