package routing

import (
	"context"

	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
	"github.com/TFMV/polyroute/pkg/placement"
)

// simpleRouter produces exactly one plan from the first valid combination
// of every scan. It is the fallback strategy.
type simpleRouter struct {
	selector *placement.Selector
}

// NewSimpleRouter creates the fallback router.
func NewSimpleRouter(selector *placement.Selector) Router {
	return &simpleRouter{selector: selector}
}

func (r *simpleRouter) Name() string            { return NameSimple }
func (r *simpleRouter) Kind() models.RouterKind { return models.RouterKindSimple }

// Route implements Router.
func (r *simpleRouter) Route(ctx context.Context, req *Request) ([]*models.RoutingPlan, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if req.Query.IsDML {
		return nil, errors.ErrNotApplicable.WithDetail("router", NameSimple)
	}

	scans := req.Plan.AccessNodes()
	combos := make([]models.PlacementCombination, 0, len(scans))
	for _, scan := range scans {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		combo, err := readOne(r.selector, req.Snapshot, scan)
		if err != nil {
			return nil, err
		}
		combos = append(combos, combo)
	}

	plan, err := newPlan(req, r, combos, true)
	if err != nil {
		return nil, err
	}
	return []*models.RoutingPlan{plan}, nil
}
