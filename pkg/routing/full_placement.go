package routing

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
	"github.com/TFMV/polyroute/pkg/placement"
)

// DefaultMaxWidth bounds the number of plans a full-placement router emits.
const DefaultMaxWidth = 32

// fullPlacementRouter enumerates the cross product of the valid combinations
// of every scan and emits one plan per element, up to maxWidth. Combinations
// beyond the bound are dropped.
type fullPlacementRouter struct {
	selector    *placement.Selector
	maxWidth    int
	parallelism int
}

// NewFullPlacementRouter creates a full-placement router. Per-scan
// enumeration runs on up to parallelism goroutines.
func NewFullPlacementRouter(selector *placement.Selector, maxWidth, parallelism int) Router {
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	return &fullPlacementRouter{selector: selector, maxWidth: maxWidth, parallelism: parallelism}
}

func (r *fullPlacementRouter) Name() string            { return NameFullPlacement }
func (r *fullPlacementRouter) Kind() models.RouterKind { return models.RouterKindFullPlacement }

// Route implements Router.
func (r *fullPlacementRouter) Route(ctx context.Context, req *Request) ([]*models.RoutingPlan, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.Query.IsDML {
		return nil, errors.ErrNotApplicable.WithDetail("router", NameFullPlacement)
	}

	scans := req.Plan.AccessNodes()
	perScan := make([][]models.PlacementCombination, len(scans))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, scan := range scans {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			combos, err := r.selector.Select(req.Snapshot, scan.EntityID, scan.Columns, scan.Partitions,
				placement.ModeRead, placement.Options{Limit: r.maxWidth})
			if err != nil {
				return err
			}
			perScan[i] = combos
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var plans []*models.RoutingPlan
	idx := make([]int, len(scans))
	for len(plans) < r.maxWidth {
		if err := ctx.Err(); err != nil {
			// past the deadline the plans built so far still count
			if err == context.DeadlineExceeded && len(plans) > 0 {
				return plans, nil
			}
			return nil, err
		}

		combos := make([]models.PlacementCombination, len(scans))
		for i, j := range idx {
			combos[i] = perScan[i][j]
		}
		plan, err := newPlan(req, r, combos, true)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)

		k := len(idx) - 1
		for k >= 0 {
			idx[k]++
			if idx[k] < len(perScan[k]) {
				break
			}
			idx[k] = 0
			k--
		}
		if k < 0 {
			break
		}
	}
	return plans, nil
}
