// Package services contains the routing orchestrator.
package services

import (
	"context"
	"io"
	"time"

	"github.com/TFMV/polyroute/pkg/cache"
	"github.com/TFMV/polyroute/pkg/models"
)

// RoutingService turns logical plans into routing decisions.
type RoutingService interface {
	// Route selects one plan for the statement.
	Route(ctx context.Context, plan *models.LogicalNode, stmt *models.Statement) (*models.RoutingDecision, error)
	// Explain routes like Route but returns every scored candidate and never
	// writes the plan cache.
	Explain(ctx context.Context, plan *models.LogicalNode, stmt *models.Statement) (*models.RoutingDecision, error)
	// Invalidate drops cached plans reading the entity.
	Invalidate(entityID int64) int
	// RecordExecution reports the observed cost of an executed plan class.
	RecordExecution(classID string, cost float64) error
	// UpdateOptions validates and atomically applies new routing options.
	UpdateOptions(opts RoutingOptions) error
	// Options returns the active routing options.
	Options() RoutingOptions
	// OnCatalogChange invalidates cached plans of changed entities.
	OnCatalogChange(changed []int64)
	// CacheStats returns plan cache statistics.
	CacheStats() cache.Stats
	// ExportCache writes the plan cache as an Arrow IPC stream.
	ExportCache(w io.Writer) error
}

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines metrics collection interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	Stop() time.Duration
}
