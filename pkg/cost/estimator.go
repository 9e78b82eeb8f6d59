package cost

import (
	"github.com/TFMV/polyroute/pkg/models"
)

// DefaultAdapterOverhead is the CPU charged once per adapter a plan touches.
const DefaultAdapterOverhead = 100.0

// Estimator computes static costs. Estimates are a deterministic function
// of the plan shape and the statistics; missing statistics fall back to
// DefaultRowCount and DefaultSelectivity.
type Estimator struct {
	stats           Statistics
	adapterOverhead float64
}

// NewEstimator creates an estimator. A nil stats uses defaults everywhere.
func NewEstimator(stats Statistics) *Estimator {
	if stats == nil {
		stats = NewStaticStatistics()
	}
	return &Estimator{stats: stats, adapterOverhead: DefaultAdapterOverhead}
}

// WithAdapterOverhead sets the per-adapter CPU charge.
func (e *Estimator) WithAdapterOverhead(v float64) *Estimator {
	e.adapterOverhead = v
	return e
}

type estimate struct {
	rows, cpu, io float64
}

// Estimate returns the static cost of a routing plan.
func (e *Estimator) Estimate(plan *models.RoutingPlan) models.StaticCost {
	var est estimate
	if plan.Physical != nil {
		est = e.node(plan.Physical)
	} else {
		// no tree: treat every combination as an independent scan
		for i := range plan.Combinations {
			s := e.access(&plan.Combinations[i], false)
			est.rows += s.rows
			est.cpu += s.cpu
			est.io += s.io
		}
	}

	est.cpu += e.adapterOverhead * float64(len(plan.Adapters()))
	if n := len(plan.SubStatements); n > 1 {
		est.cpu *= float64(n)
		est.io *= float64(n)
	}
	return models.StaticCost{Rows: est.rows, CPU: est.cpu, IO: est.io}
}

func (e *Estimator) node(n *models.PhysicalNode) estimate {
	var in estimate
	inputs := make([]estimate, len(n.Inputs))
	for i, child := range n.Inputs {
		inputs[i] = e.node(child)
		in.cpu += inputs[i].cpu
		in.io += inputs[i].io
	}

	switch n.Kind {
	case models.NodeScan:
		if n.Combination == nil {
			return in
		}
		s := e.access(n.Combination, false)
		return estimate{rows: s.rows, cpu: in.cpu + s.cpu, io: in.io + s.io}

	case models.NodeModify:
		if n.Combination == nil {
			return in
		}
		s := e.access(n.Combination, true)
		rows := s.rows
		if len(inputs) > 0 {
			// INSERT ... SELECT writes what its input produces
			rows = 0
			for _, i := range inputs {
				rows += i.rows
			}
		}
		cols := float64(len(n.Combination.Columns()))
		return estimate{rows: rows, cpu: in.cpu + rows, io: in.io + rows*cols}

	case models.NodeFilter:
		rows := sumRows(inputs)
		sel := 1.0
		if n.Logical != nil {
			for _, col := range n.Logical.Columns {
				sel *= e.selectivity(n.Logical.EntityID, col)
			}
		}
		return estimate{rows: rows * sel, cpu: in.cpu + rows, io: in.io}

	case models.NodeJoin:
		var rows float64
		for _, i := range inputs {
			rows = max(rows, i.rows)
		}
		return estimate{rows: rows, cpu: in.cpu + sumRows(inputs), io: in.io}

	case models.NodeValues:
		return estimate{rows: 1, cpu: in.cpu, io: in.io}

	default:
		rows := sumRows(inputs)
		return estimate{rows: rows, cpu: in.cpu + rows, io: in.io}
	}
}

// access costs reading (or writing) the placements of one combination. Rows
// are summed over the partitions; vertical fragments add one join each and
// every partition beyond the first adds a union.
func (e *Estimator) access(c *models.PlacementCombination, write bool) estimate {
	parts := c.Partitions()
	var rows float64
	fragmentJoins := 0
	for _, p := range parts {
		rows += float64(e.rowCount(c.EntityID, p))
		if !write {
			fragmentJoins = max(fragmentJoins, len(c.AdaptersOf(p))-1)
		}
	}
	unions := max(len(parts)-1, 0)
	cols := float64(len(c.Columns()))
	return estimate{
		rows: rows,
		cpu:  rows * float64(1+fragmentJoins+unions),
		io:   rows * cols,
	}
}

func (e *Estimator) rowCount(entityID, partitionID int64) int64 {
	if v, ok := e.stats.RowCount(entityID, partitionID); ok && v >= 0 {
		return v
	}
	return DefaultRowCount
}

func (e *Estimator) selectivity(entityID, columnID int64) float64 {
	if v, ok := e.stats.Selectivity(entityID, columnID); ok && v >= 0 && v <= 1 {
		return v
	}
	return DefaultSelectivity
}

func sumRows(es []estimate) float64 {
	var rows float64
	for _, e := range es {
		rows += e.rows
	}
	return rows
}
