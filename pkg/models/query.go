package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/polyroute/pkg/txid"
)

// RouteRequest represents a routing request received over the admin API or
// read from a query file.
type RouteRequest struct {
	Plan        *LogicalNode  `json:"plan" yaml:"plan"`
	StatementID string        `json:"statement_id,omitempty" yaml:"statement_id"`
	Global      string        `json:"global,omitempty" yaml:"global"`
	Timeout     time.Duration `json:"timeout,omitempty" yaml:"timeout"`
	Explain     bool          `json:"explain,omitempty" yaml:"explain"`
}

// Statement builds the statement context of the request. An empty global
// identity starts a fresh transaction and an empty id gets a random one.
func (r *RouteRequest) Statement(node uuid.UUID) (*Statement, error) {
	stmt := &Statement{ID: r.StatementID, Timeout: r.Timeout}
	if stmt.ID == "" {
		stmt.ID = uuid.NewString()
	}
	if r.Global == "" {
		stmt.Global = txid.NewTransaction(node, uuid.Nil, uuid.Nil)
		return stmt, nil
	}
	if err := stmt.Global.UnmarshalText([]byte(r.Global)); err != nil {
		return nil, err
	}
	return stmt, nil
}

// ExecutionReport represents one monitored execution of a physical plan.
type ExecutionReport struct {
	ClassID string  `json:"class_id"`
	Cost    float64 `json:"cost"`
}

// InvalidationResult represents the outcome of a plan cache invalidation.
type InvalidationResult struct {
	EntityID    int64 `json:"entity_id"`
	Invalidated int   `json:"invalidated"`
}
