package cost

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/polyroute/pkg/catalog/catalogtest"
	"github.com/TFMV/polyroute/pkg/models"
	"github.com/TFMV/polyroute/pkg/placement"
)

func routedPlan(t *testing.T, logical *models.LogicalNode) *models.RoutingPlan {
	t.Helper()
	snap := catalogtest.Snapshot(t)
	sel := placement.NewSelector()
	var combos []models.PlacementCombination
	for _, n := range logical.AccessNodes() {
		mode := placement.ModeRead
		cols := n.Columns
		if n.Kind == models.NodeModify {
			mode = placement.ModeWrite
		}
		cs, err := sel.Select(snap, n.EntityID, cols, n.Partitions, mode, placement.Options{Limit: 1})
		require.NoError(t, err)
		combos = append(combos, cs[0])
	}
	physical, err := models.BuildPhysical(logical, combos)
	require.NoError(t, err)
	return &models.RoutingPlan{
		QueryClassID: models.QueryClassID(logical),
		Physical:     physical,
		Combinations: combos,
	}
}

func TestEstimateDefaults(t *testing.T) {
	plan := routedPlan(t, models.Scan(catalogtest.Orders, []int64{catalogtest.ColID, catalogtest.ColTotal}))

	got := NewEstimator(nil).Estimate(plan)
	assert.Equal(t, models.StaticCost{Rows: 1000, CPU: 1100, IO: 2000}, got)
	assert.Equal(t, 3100.0, got.Value())
}

func TestEstimateHorizontal(t *testing.T) {
	stats := NewStaticStatistics()
	stats.SetRowCount(catalogtest.Events, catalogtest.P1, 100)
	stats.SetRowCount(catalogtest.Events, catalogtest.P2, 300)

	plan := routedPlan(t, models.Scan(catalogtest.Events, []int64{catalogtest.ColID}))
	got := NewEstimator(stats).Estimate(plan)

	// two partitions: one union, two adapters
	assert.Equal(t, models.StaticCost{Rows: 400, CPU: 1000, IO: 400}, got)
}

func TestEstimateVerticalFragments(t *testing.T) {
	plan := routedPlan(t, models.Scan(catalogtest.Users,
		[]int64{catalogtest.ColID, catalogtest.ColName, catalogtest.ColEmail}))

	got := NewEstimator(nil).WithAdapterOverhead(0).Estimate(plan)
	assert.Equal(t, models.StaticCost{Rows: 1000, CPU: 2000, IO: 3000}, got)
}

func TestEstimateFilterSelectivity(t *testing.T) {
	stats := NewStaticStatistics()
	stats.SetSelectivity(catalogtest.Orders, catalogtest.ColTotal, 0.5)
	scan := models.Scan(catalogtest.Orders, []int64{catalogtest.ColID, catalogtest.ColTotal})

	known := NewEstimator(stats).Estimate(routedPlan(t, models.Filter(scan, catalogtest.ColTotal)))
	assert.Equal(t, 500.0, known.Rows)

	unknown := NewEstimator(stats).Estimate(routedPlan(t, models.Filter(scan, catalogtest.ColID)))
	assert.InDelta(t, 100.0, unknown.Rows, 1e-9)
}

func TestEstimateDMLScalesWithSubStatements(t *testing.T) {
	plan := routedPlan(t, models.Modify(models.OperationUpdate, catalogtest.Orders, []int64{catalogtest.ColTotal}))
	single := NewEstimator(nil).Estimate(plan)
	assert.Equal(t, models.StaticCost{Rows: 1000, CPU: 1200, IO: 1000}, single)

	plan.SubStatements = make([]models.SubStatement, 2)
	fanned := NewEstimator(nil).Estimate(plan)
	assert.Equal(t, models.StaticCost{Rows: 1000, CPU: 2400, IO: 2000}, fanned)
}

func TestEstimateIsDeterministic(t *testing.T) {
	plan := routedPlan(t, models.Join(
		models.Scan(catalogtest.Orders, []int64{catalogtest.ColID}),
		models.Scan(catalogtest.Events, []int64{catalogtest.ColID, catalogtest.ColKind}),
	))
	est := NewEstimator(nil)
	first := est.Estimate(plan)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, est.Estimate(plan))
	}
}

func TestParseStatisticsYAML(t *testing.T) {
	stats, err := ParseStatisticsYAML([]byte(`
row_counts:
  - {entity: 2, partition: 10, rows: 50}
selectivities:
  - {entity: 1, column: 2, selectivity: 0.25}
`))
	require.NoError(t, err)

	rows, ok := stats.RowCount(2, 10)
	assert.True(t, ok)
	assert.Equal(t, int64(50), rows)
	sel, ok := stats.Selectivity(1, 2)
	assert.True(t, ok)
	assert.Equal(t, 0.25, sel)

	_, err = ParseStatisticsYAML([]byte(`selectivities: [{entity: 1, column: 2, selectivity: 2}]`))
	assert.Error(t, err)
}

type countingStats struct {
	mu    sync.Mutex
	calls int
	inner Statistics
}

func (c *countingStats) Selectivity(e, col int64) (float64, bool) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Selectivity(e, col)
}

func (c *countingStats) RowCount(e, p int64) (int64, bool) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.RowCount(e, p)
}

func TestCachedStatistics(t *testing.T) {
	inner := NewStaticStatistics()
	inner.SetRowCount(1, 0, 42)
	source := &countingStats{inner: inner}
	cached := NewCachedStatistics(source, 0)

	for i := 0; i < 3; i++ {
		rows, ok := cached.RowCount(1, 0)
		assert.True(t, ok)
		assert.Equal(t, int64(42), rows)

		_, ok = cached.Selectivity(1, 9)
		assert.False(t, ok)
	}
	assert.Equal(t, 2, source.calls)

	cached.Flush()
	cached.RowCount(1, 0)
	assert.Equal(t, 3, source.calls)
}

func TestInMemoryMonitor(t *testing.T) {
	m := NewInMemoryMonitor()

	_, ok := m.HistoricalCost("q1")
	assert.False(t, ok)

	m.RecordExecution("q1", 100)
	lc, ok := m.HistoricalCost("q1")
	require.True(t, ok)
	assert.Equal(t, models.LearnedCost{Value: 100, Samples: 1}, lc)

	m.RecordExecution("q1", 50)
	m.RecordExecution("q1", -1)
	lc, _ = m.HistoricalCost("q1")
	assert.Equal(t, models.LearnedCost{Value: 75, Samples: 2}, lc)

	m.RecordExecution("q1#a", 1)
	m.RecordExecution("q2#a", 1)
	m.RecordExecution("q10#a", 1)
	assert.Equal(t, 4, m.Len())
	assert.Equal(t, 2, m.Forget("q1"))
	assert.ElementsMatch(t, []string{"q10#a", "q2#a"}, keys(m.Snapshot()))
}

func TestInMemoryMonitorConcurrent(t *testing.T) {
	m := NewInMemoryMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.RecordExecution(fmt.Sprintf("q%d", j%4), 10)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 4, m.Len())
	for _, lc := range m.Snapshot() {
		assert.Equal(t, 10.0, lc.Value)
		assert.Equal(t, int64(200), lc.Samples)
	}
}

func keys(m map[string]models.LearnedCost) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestBlend(t *testing.T) {
	plan := func(static float64, learned *float64) *models.RoutingPlan {
		p := &models.RoutingPlan{StaticCost: &models.StaticCost{CPU: static}}
		if learned != nil {
			p.LearnedCost = &models.LearnedCost{Value: *learned, Samples: 1}
		}
		return p
	}
	f := func(v float64) *float64 { return &v }

	tests := []struct {
		name  string
		plans []*models.RoutingPlan
		alpha float64
		want  []float64
	}{
		{
			name:  "static only",
			plans: []*models.RoutingPlan{plan(50, nil), plan(100, nil)},
			alpha: 0.5,
			want:  []float64{0.5, 1},
		},
		{
			name:  "learned dominates",
			plans: []*models.RoutingPlan{plan(50, f(100)), plan(100, f(10))},
			alpha: 0,
			want:  []float64{1, 0.1},
		},
		{
			name:  "blended",
			plans: []*models.RoutingPlan{plan(50, f(100)), plan(100, f(10))},
			alpha: 0.5,
			want:  []float64{0.75, 0.55},
		},
		{
			name:  "alpha clamped",
			plans: []*models.RoutingPlan{plan(50, f(100)), plan(100, f(10))},
			alpha: 7,
			want:  []float64{0.5, 1},
		},
		{
			name:  "zero costs",
			plans: []*models.RoutingPlan{plan(0, nil), {}},
			alpha: 0.5,
			want:  []float64{0, 0},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Blend(tt.plans, tt.alpha)
			require.Len(t, got, len(tt.want))
			for i := range got {
				assert.InDelta(t, tt.want[i], got[i], 1e-9)
			}
		})
	}
}
