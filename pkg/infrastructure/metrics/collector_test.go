package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoOpCollector(t *testing.T) {
	collector := NewNoOpCollector()
	// Should not panic
	collector.IncrementCounter("routing_requests", "router", "simple")
	collector.RecordHistogram("routing_candidates", 2)
	collector.RecordGauge("plan_cache_size", 42.0)
}

func TestNoOpCollector_StartTimer(t *testing.T) {
	timer := NewNoOpCollector().StartTimer("routing_duration")
	time.Sleep(10 * time.Millisecond)

	d := timer.Stop()
	assert.GreaterOrEqual(t, d, 10*time.Millisecond)
	assert.Less(t, d, time.Second)
}
