// Package cost estimates the cost of routing plans and tracks the observed
// cost of executed ones.
package cost

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
	gocache "github.com/patrickmn/go-cache"
)

// Fallbacks used when statistics are missing.
const (
	DefaultRowCount    int64   = 1000
	DefaultSelectivity float64 = 0.1
)

// Statistics supplies cardinality and selectivity estimates. Both lookups
// report false when nothing is known.
type Statistics interface {
	Selectivity(entityID, columnID int64) (float64, bool)
	RowCount(entityID, partitionID int64) (int64, bool)
}

type columnKey struct{ entity, column int64 }
type partitionKey struct{ entity, partition int64 }

// StaticStatistics is an in-memory Statistics. It is safe for concurrent use.
type StaticStatistics struct {
	mu          sync.RWMutex
	selectivity map[columnKey]float64
	rows        map[partitionKey]int64
}

// NewStaticStatistics creates an empty statistics table.
func NewStaticStatistics() *StaticStatistics {
	return &StaticStatistics{
		selectivity: make(map[columnKey]float64),
		rows:        make(map[partitionKey]int64),
	}
}

// SetSelectivity records the selectivity of predicates on a column.
func (s *StaticStatistics) SetSelectivity(entityID, columnID int64, sel float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectivity[columnKey{entityID, columnID}] = sel
}

// SetRowCount records the cardinality of a partition.
func (s *StaticStatistics) SetRowCount(entityID, partitionID int64, rows int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[partitionKey{entityID, partitionID}] = rows
}

// Selectivity implements Statistics.
func (s *StaticStatistics) Selectivity(entityID, columnID int64) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.selectivity[columnKey{entityID, columnID}]
	return v, ok
}

// RowCount implements Statistics.
func (s *StaticStatistics) RowCount(entityID, partitionID int64) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.rows[partitionKey{entityID, partitionID}]
	return v, ok
}

// StatisticsFile is the YAML form of a statistics table.
type StatisticsFile struct {
	RowCounts []struct {
		Entity    int64 `yaml:"entity"`
		Partition int64 `yaml:"partition"`
		Rows      int64 `yaml:"rows"`
	} `yaml:"row_counts"`
	Selectivities []struct {
		Entity      int64   `yaml:"entity"`
		Column      int64   `yaml:"column"`
		Selectivity float64 `yaml:"selectivity"`
	} `yaml:"selectivities"`
}

// LoadStatisticsYAML reads a statistics table from a YAML file.
func LoadStatisticsYAML(path string) (*StaticStatistics, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read statistics file: %w", err)
	}
	return ParseStatisticsYAML(data)
}

// ParseStatisticsYAML parses a statistics table.
func ParseStatisticsYAML(data []byte) (*StaticStatistics, error) {
	var f StatisticsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse statistics: %w", err)
	}
	s := NewStaticStatistics()
	for _, rc := range f.RowCounts {
		if rc.Rows < 0 {
			return nil, fmt.Errorf("negative row count for entity %d partition %d", rc.Entity, rc.Partition)
		}
		s.SetRowCount(rc.Entity, rc.Partition, rc.Rows)
	}
	for _, sel := range f.Selectivities {
		if sel.Selectivity < 0 || sel.Selectivity > 1 {
			return nil, fmt.Errorf("selectivity of entity %d column %d out of range: %v", sel.Entity, sel.Column, sel.Selectivity)
		}
		s.SetSelectivity(sel.Entity, sel.Column, sel.Selectivity)
	}
	return s, nil
}

type lookup[T any] struct {
	value T
	ok    bool
}

// CachedStatistics memoizes lookups against a slower Statistics source for
// a fixed TTL. Misses are memoized too.
type CachedStatistics struct {
	source Statistics
	memo   *gocache.Cache
}

// NewCachedStatistics wraps source. A non-positive ttl keeps entries forever.
func NewCachedStatistics(source Statistics, ttl time.Duration) *CachedStatistics {
	cleanup := 2 * ttl
	if ttl <= 0 {
		ttl, cleanup = gocache.NoExpiration, 0
	}
	return &CachedStatistics{
		source: source,
		memo:   gocache.New(ttl, cleanup),
	}
}

// Selectivity implements Statistics.
func (c *CachedStatistics) Selectivity(entityID, columnID int64) (float64, bool) {
	key := fmt.Sprintf("sel/%d/%d", entityID, columnID)
	if v, found := c.memo.Get(key); found {
		m := v.(lookup[float64])
		return m.value, m.ok
	}
	v, ok := c.source.Selectivity(entityID, columnID)
	c.memo.SetDefault(key, lookup[float64]{v, ok})
	return v, ok
}

// RowCount implements Statistics.
func (c *CachedStatistics) RowCount(entityID, partitionID int64) (int64, bool) {
	key := fmt.Sprintf("rows/%d/%d", entityID, partitionID)
	if v, found := c.memo.Get(key); found {
		m := v.(lookup[int64])
		return m.value, m.ok
	}
	v, ok := c.source.RowCount(entityID, partitionID)
	c.memo.SetDefault(key, lookup[int64]{v, ok})
	return v, ok
}

// Flush drops every memoized lookup.
func (c *CachedStatistics) Flush() {
	c.memo.Flush()
}
