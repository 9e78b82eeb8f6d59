// Package routing implements the router strategies that turn a logical plan
// into candidate routing plans.
package routing

import (
	"context"

	"github.com/TFMV/polyroute/pkg/catalog"
	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
	"github.com/TFMV/polyroute/pkg/placement"
)

// Router names understood by the registry.
const (
	NameSimple        = "simple"
	NameFullPlacement = "full-placement"
	NameDML           = "dml"
	NameCacheReplay   = "cache-replay"
)

// Request carries everything a router needs for one statement.
type Request struct {
	Plan      *models.LogicalNode
	Snapshot  *catalog.Snapshot
	Query     models.QueryInfo
	Statement *models.Statement
}

// Router is one routing strategy. Route returns at least one plan or an
// error; routers that do not apply to a statement return a NOT_APPLICABLE
// error.
type Router interface {
	Name() string
	Kind() models.RouterKind
	Route(ctx context.Context, req *Request) ([]*models.RoutingPlan, error)
}

// newPlan assembles a routing plan whose combinations follow the access
// nodes of the request plan.
func newPlan(req *Request, r Router, combos []models.PlacementCombination, cacheable bool) (*models.RoutingPlan, error) {
	physical, err := models.BuildPhysical(req.Plan, combos)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to annotate plan")
	}
	return &models.RoutingPlan{
		QueryClassID: req.Query.QueryClassID,
		Router:       r.Name(),
		Kind:         r.Kind(),
		Physical:     physical,
		Combinations: combos,
		Cacheable:    cacheable,
	}, nil
}

// readOne selects the first read combination of one scan.
func readOne(sel *placement.Selector, snap *catalog.Snapshot, scan *models.LogicalNode) (models.PlacementCombination, error) {
	combos, err := sel.Select(snap, scan.EntityID, scan.Columns, scan.Partitions, placement.ModeRead, placement.Options{Limit: 1})
	if err != nil {
		return models.PlacementCombination{}, err
	}
	return combos[0], nil
}

func validate(req *Request) error {
	if req == nil || req.Plan == nil || req.Snapshot == nil {
		return errors.New(errors.CodeInvalidRequest, "routing request needs a plan and a catalog snapshot")
	}
	return nil
}
