package services

import (
	"fmt"
	"slices"
	"strings"

	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/routing"
)

// SelectionStrategy decides how a winner is picked among scored candidates.
type SelectionStrategy string

const (
	// SelectionBest picks the cheapest candidate.
	SelectionBest SelectionStrategy = "BEST"
	// SelectionPercentage samples candidates with inverse-rank weights.
	SelectionPercentage SelectionStrategy = "PERCENTAGE"
)

// ParseSelectionStrategy parses a strategy name, case-insensitively.
func ParseSelectionStrategy(s string) (SelectionStrategy, error) {
	switch SelectionStrategy(strings.ToUpper(strings.TrimSpace(s))) {
	case SelectionBest:
		return SelectionBest, nil
	case SelectionPercentage:
		return SelectionPercentage, nil
	default:
		return "", errors.Newf(errors.CodeInvalidConfig, "unknown selection strategy %q", s)
	}
}

// RoutingOptions is the hot-reloadable routing configuration.
type RoutingOptions struct {
	// Routers lists the enabled routers in priority order.
	Routers []string `json:"routers" yaml:"routers" mapstructure:"routers"`
	// PrePostCostRatio is alpha, the weight of the static cost.
	PrePostCostRatio      float64           `json:"pre_post_cost_ratio" yaml:"pre_post_cost_ratio" mapstructure:"pre_post_cost_ratio"`
	Selection             SelectionStrategy `json:"selection_strategy" yaml:"selection_strategy" mapstructure:"selection_strategy"`
	MaxFullPlacementWidth int               `json:"max_full_placement_width" yaml:"max_full_placement_width" mapstructure:"max_full_placement_width"`
	Parallelism           int               `json:"parallelism" yaml:"parallelism" mapstructure:"parallelism"`
	PlanCacheEnabled      bool              `json:"plan_cache_enabled" yaml:"plan_cache_enabled" mapstructure:"plan_cache_enabled"`
}

// DefaultRoutingOptions returns the options used when nothing is configured.
func DefaultRoutingOptions() RoutingOptions {
	return RoutingOptions{
		Routers: []string{
			routing.NameCacheReplay,
			routing.NameDML,
			routing.NameFullPlacement,
			routing.NameSimple,
		},
		PrePostCostRatio:      0.5,
		Selection:             SelectionBest,
		MaxFullPlacementWidth: routing.DefaultMaxWidth,
		Parallelism:           4,
		PlanCacheEnabled:      true,
	}
}

// Validate checks the value ranges. Router names are checked when the
// routers are built.
func (o RoutingOptions) Validate() error {
	if len(o.Routers) == 0 {
		return errors.New(errors.CodeInvalidConfig, "routing.routers must not be empty")
	}
	if o.PrePostCostRatio < 0 || o.PrePostCostRatio > 1 {
		return errors.Newf(errors.CodeInvalidConfig, "routing.pre_post_cost_ratio must be in [0,1], got %v", o.PrePostCostRatio)
	}
	if _, err := ParseSelectionStrategy(string(o.Selection)); err != nil {
		return err
	}
	if o.MaxFullPlacementWidth < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "routing.max_full_placement_width must not be negative, got %d", o.MaxFullPlacementWidth)
	}
	if o.Parallelism < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "routing.parallelism must not be negative, got %d", o.Parallelism)
	}
	return nil
}

// Clone returns a deep copy.
func (o RoutingOptions) Clone() RoutingOptions {
	o.Routers = slices.Clone(o.Routers)
	return o
}

// String renders the options for logs.
func (o RoutingOptions) String() string {
	return fmt.Sprintf("routers=%v alpha=%.2f selection=%s width=%d cache=%t",
		o.Routers, o.PrePostCostRatio, o.Selection, o.MaxFullPlacementWidth, o.PlanCacheEnabled)
}
