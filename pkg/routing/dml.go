package routing

import (
	"context"

	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
	"github.com/TFMV/polyroute/pkg/placement"
	"github.com/TFMV/polyroute/pkg/txid"
)

// dmlRouter routes write statements to every placement of the modified
// columns and fans them out into one sub-statement per adapter. Scans feeding
// the write are routed like the simple router does. DML plans are never
// cached.
type dmlRouter struct {
	selector *placement.Selector
}

// NewDMLRouter creates the DML router.
func NewDMLRouter(selector *placement.Selector) Router {
	return &dmlRouter{selector: selector}
}

func (r *dmlRouter) Name() string            { return NameDML }
func (r *dmlRouter) Kind() models.RouterKind { return models.RouterKindDML }

// Route implements Router.
func (r *dmlRouter) Route(ctx context.Context, req *Request) ([]*models.RoutingPlan, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	modify := req.Plan.ModifyNode()
	if modify == nil {
		return nil, errors.ErrNotApplicable.WithDetail("router", NameDML)
	}
	if req.Statement == nil || req.Statement.Global.IsZero() {
		return nil, errors.New(errors.CodeInvalidRequest, "write statements need a global transaction identity")
	}

	var (
		combos []models.PlacementCombination
		write  models.PlacementCombination
	)
	for _, node := range req.Plan.AccessNodes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if node != modify {
			combo, err := readOne(r.selector, req.Snapshot, node)
			if err != nil {
				return nil, err
			}
			combos = append(combos, combo)
			continue
		}

		written, err := r.selector.Select(req.Snapshot, node.EntityID, writtenColumns(node), nil,
			placement.ModeWrite, placement.Options{})
		if err != nil {
			return nil, err
		}
		write = written[0]
		combos = append(combos, write)
	}

	plan, err := newPlan(req, r, combos, false)
	if err != nil {
		return nil, err
	}
	plan.SubStatements = fanOut(req.Statement.Global, modify.Operation, write)
	return []*models.RoutingPlan{plan}, nil
}

// writtenColumns returns the columns a modify node writes. Inserts and
// deletes touch whole rows.
func writtenColumns(n *models.LogicalNode) []int64 {
	if n.Operation == models.OperationUpdate {
		return n.Columns
	}
	return nil
}

// fanOut splits the write combination into one sub-statement per adapter,
// all under the same global identity with per-adapter branches.
func fanOut(global txid.GlobalID, op models.Operation, write models.PlacementCombination) []models.SubStatement {
	byAdapter := make(map[int64][]models.Placement)
	for _, p := range write.Placements {
		byAdapter[p.AdapterID] = append(byAdapter[p.AdapterID], p)
	}

	subs := make([]models.SubStatement, 0, len(byAdapter))
	for _, adapterID := range write.Adapters() {
		subs = append(subs, models.SubStatement{
			AdapterID:  adapterID,
			Operation:  op,
			Placements: byAdapter[adapterID],
			Global:     global,
			Branch:     txid.BranchForAdapter(global, adapterID),
		})
	}
	return subs
}
