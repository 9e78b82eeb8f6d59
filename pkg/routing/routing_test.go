package routing

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/polyroute/pkg/cache"
	"github.com/TFMV/polyroute/pkg/catalog"
	"github.com/TFMV/polyroute/pkg/catalog/catalogtest"
	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
	"github.com/TFMV/polyroute/pkg/placement"
	"github.com/TFMV/polyroute/pkg/txid"
)

func newRequest(t *testing.T, snap *catalog.Snapshot, plan *models.LogicalNode) *Request {
	t.Helper()
	require.NoError(t, plan.Validate())
	return &Request{
		Plan:     plan,
		Snapshot: snap,
		Query:    models.NewQueryInfo(plan),
		Statement: &models.Statement{
			ID:     "stmt-1",
			Global: txid.NewTransaction(uuid.New(), uuid.New(), uuid.New()),
		},
	}
}

func ordersScan() *models.LogicalNode {
	return models.Scan(catalogtest.Orders, []int64{catalogtest.ColID, catalogtest.ColTotal})
}

func TestSimpleRouter(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	r := NewSimpleRouter(placement.NewSelector())

	plans, err := r.Route(context.Background(), newRequest(t, snap, ordersScan()))
	require.NoError(t, err)
	require.Len(t, plans, 1)

	p := plans[0]
	assert.Equal(t, NameSimple, p.Router)
	assert.Equal(t, models.RouterKindSimple, p.Kind)
	assert.True(t, p.Cacheable)
	assert.Equal(t, []int64{catalogtest.AdapterA}, p.Adapters())
	require.NotNil(t, p.Physical)
	require.NotNil(t, p.Physical.Combination)
	assert.True(t, p.Physical.Combination.Equal(p.Combinations[0]))
}

func TestFullPlacementRouterReplicated(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	r := NewFullPlacementRouter(placement.NewSelector(), 0, 0)

	plans, err := r.Route(context.Background(), newRequest(t, snap, ordersScan()))
	require.NoError(t, err)
	require.Len(t, plans, 2)

	assert.Equal(t, []int64{catalogtest.AdapterA}, plans[0].Adapters())
	assert.Equal(t, []int64{catalogtest.AdapterB}, plans[1].Adapters())
	for _, p := range plans {
		assert.Equal(t, models.RouterKindFullPlacement, p.Kind)
		assert.Equal(t, plans[0].QueryClassID, p.QueryClassID)
	}
}

func TestFullPlacementRouterCrossProduct(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	plan := models.Join(
		ordersScan(),
		models.Scan(catalogtest.Orders, []int64{catalogtest.ColID}),
	)

	plans, err := NewFullPlacementRouter(placement.NewSelector(), 0, 2).
		Route(context.Background(), newRequest(t, snap, plan))
	require.NoError(t, err)
	assert.Len(t, plans, 4)

	seen := make(map[string]bool)
	for _, p := range plans {
		require.Len(t, p.Combinations, 2)
		seen[p.Signature()] = true
	}
	assert.Len(t, seen, 4)

	bounded, err := NewFullPlacementRouter(placement.NewSelector(), 3, 2).
		Route(context.Background(), newRequest(t, snap, plan))
	require.NoError(t, err)
	assert.Len(t, bounded, 3)
}

func TestFullPlacementRouterHorizontal(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	scan := models.Scan(catalogtest.Events, []int64{catalogtest.ColID, catalogtest.ColKind})

	plans, err := NewFullPlacementRouter(placement.NewSelector(), 0, 0).
		Route(context.Background(), newRequest(t, snap, scan))
	require.NoError(t, err)
	require.Len(t, plans, 1)

	combo := plans[0].Combinations[0]
	assert.Equal(t, []int64{catalogtest.AdapterA}, combo.AdaptersOf(catalogtest.P1))
	assert.Equal(t, []int64{catalogtest.AdapterB}, combo.AdaptersOf(catalogtest.P2))
}

func TestReadRoutersRejectDML(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	plan := models.Modify(models.OperationUpdate, catalogtest.Orders, []int64{catalogtest.ColTotal})
	req := newRequest(t, snap, plan)
	sel := placement.NewSelector()

	for _, r := range []Router{
		NewSimpleRouter(sel),
		NewFullPlacementRouter(sel, 0, 0),
		NewCacheReplayRouter(cache.NewShardedPlanCache(nil)),
	} {
		_, err := r.Route(context.Background(), req)
		assert.True(t, errors.IsNotApplicable(err), "router %s", r.Name())
	}
}

func TestDMLRouterFansOutToReplicas(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	plan := models.Modify(models.OperationUpdate, catalogtest.Orders, []int64{catalogtest.ColTotal})
	req := newRequest(t, snap, plan)

	plans, err := NewDMLRouter(placement.NewSelector()).Route(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, plans, 1)

	p := plans[0]
	assert.False(t, p.Cacheable)
	assert.Equal(t, models.RouterKindDML, p.Kind)
	require.Len(t, p.SubStatements, 2)

	a, b := p.SubStatements[0], p.SubStatements[1]
	assert.Equal(t, catalogtest.AdapterA, a.AdapterID)
	assert.Equal(t, catalogtest.AdapterB, b.AdapterID)
	assert.Equal(t, req.Statement.Global, a.Global)
	assert.Equal(t, req.Statement.Global, b.Global)
	assert.NotEqual(t, a.Branch, b.Branch)
	assert.Equal(t, txid.BranchForAdapter(req.Statement.Global, catalogtest.AdapterA), a.Branch)
	for _, sub := range p.SubStatements {
		assert.Equal(t, models.OperationUpdate, sub.Operation)
		for _, pl := range sub.Placements {
			assert.Equal(t, catalogtest.ColTotal, pl.ColumnID)
			assert.Equal(t, sub.AdapterID, pl.AdapterID)
		}
	}
}

func TestDMLRouterWithReadInput(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	plan := models.Modify(models.OperationInsert, catalogtest.Orders, nil,
		models.Scan(catalogtest.Users, []int64{catalogtest.ColID, catalogtest.ColName}))

	plans, err := NewDMLRouter(placement.NewSelector()).Route(context.Background(), newRequest(t, snap, plan))
	require.NoError(t, err)
	require.Len(t, plans, 1)

	p := plans[0]
	require.Len(t, p.Combinations, 2)
	assert.Equal(t, catalogtest.Orders, p.Combinations[0].EntityID)
	assert.Equal(t, catalogtest.Users, p.Combinations[1].EntityID)
	// inserts write every column of every replica
	assert.Len(t, p.Combinations[0].Placements, 6)
	assert.Len(t, p.SubStatements, 2)
}

func TestDMLRouterRequiresIdentity(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	plan := models.Modify(models.OperationDelete, catalogtest.Orders, nil)
	req := newRequest(t, snap, plan)
	req.Statement = nil

	_, err := NewDMLRouter(placement.NewSelector()).Route(context.Background(), req)
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = NewDMLRouter(placement.NewSelector()).Route(context.Background(), newRequest(t, snap, ordersScan()))
	assert.True(t, errors.IsNotApplicable(err))
}

func TestCacheReplayRouter(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	sel := placement.NewSelector()
	pc := cache.NewShardedPlanCache(nil)
	r := NewCacheReplayRouter(pc)
	req := newRequest(t, snap, ordersScan())

	_, err := r.Route(context.Background(), req)
	assert.True(t, errors.IsCacheMiss(err))

	plans, err := NewSimpleRouter(sel).Route(context.Background(), req)
	require.NoError(t, err)
	pc.Put(req.Query.QueryClassID, plans[0].ToCached(snap.Version()))

	before := sel.Invocations()
	replayed, err := r.Route(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, replayed, 1)
	assert.Equal(t, before, sel.Invocations())

	p := replayed[0]
	assert.True(t, p.FromCache)
	assert.False(t, p.Cacheable)
	assert.Equal(t, models.RouterKindCacheReplay, p.Kind)
	assert.Equal(t, plans[0].Signature(), p.Signature())
}

func TestCacheReplayRouterEvictsStale(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	pc := cache.NewShardedPlanCache(nil)
	r := NewCacheReplayRouter(pc)

	scan := models.Scan(catalogtest.Events, []int64{catalogtest.ColID})
	req := newRequest(t, snap, scan)
	plans, err := NewSimpleRouter(placement.NewSelector()).Route(context.Background(), req)
	require.NoError(t, err)
	pc.Put(req.Query.QueryClassID, plans[0].ToCached(snap.Version()))

	req.Snapshot = catalogtest.WithoutEventsP2(t)
	_, err = r.Route(context.Background(), req)
	assert.True(t, errors.IsCacheMiss(err))
	assert.Equal(t, 0, pc.Len())
}

func TestCacheReplayRouterShapeMismatch(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	pc := cache.NewShardedPlanCache(nil)
	req := newRequest(t, snap, ordersScan())

	pc.Put(req.Query.QueryClassID, &models.CachedRoutingPlan{
		QueryClassID: req.Query.QueryClassID,
		Router:       NameSimple,
		Combinations: []models.PlacementCombination{
			models.NewPlacementCombination(catalogtest.Users, nil),
		},
		Entities:        []int64{catalogtest.Users},
		SnapshotVersion: snap.Version(),
	})

	_, err := NewCacheReplayRouter(pc).Route(context.Background(), req)
	assert.True(t, errors.IsCacheMiss(err))
	assert.Equal(t, 0, pc.Len())
}

func TestRoutersHonorCancellation(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sel := placement.NewSelector()
	for _, r := range []Router{NewSimpleRouter(sel), NewFullPlacementRouter(sel, 0, 0)} {
		_, err := r.Route(ctx, newRequest(t, snap, ordersScan()))
		assert.ErrorIs(t, err, context.Canceled, "router %s", r.Name())
	}
}

// expiringContext reports err from the (after+1)-th Err call on.
type expiringContext struct {
	context.Context
	after int
	calls int
	err   error
}

func (c *expiringContext) Err() error {
	c.calls++
	if c.calls > c.after {
		return c.err
	}
	return nil
}

func TestFullPlacementRouterDeadlineKeepsBuiltPlans(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	ctx := &expiringContext{Context: context.Background(), after: 1, err: context.DeadlineExceeded}

	plans, err := NewFullPlacementRouter(placement.NewSelector(), 0, 0).Route(ctx, newRequest(t, snap, ordersScan()))
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, []int64{catalogtest.AdapterA}, plans[0].Adapters())
}

func TestFullPlacementRouterCancelMidEnumeration(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	ctx := &expiringContext{Context: context.Background(), after: 1, err: context.Canceled}

	plans, err := NewFullPlacementRouter(placement.NewSelector(), 0, 0).Route(ctx, newRequest(t, snap, ordersScan()))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, plans)
}

func TestRouterPropagatesNoValidPlacement(t *testing.T) {
	snap := catalogtest.WithoutEventsP2(t)
	scan := models.Scan(catalogtest.Events, []int64{catalogtest.ColID})

	_, err := NewSimpleRouter(placement.NewSelector()).Route(context.Background(), newRequest(t, snap, scan))
	assert.True(t, errors.IsNoValidPlacement(err))
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()
	deps := Dependencies{Selector: placement.NewSelector(), Cache: cache.NewShardedPlanCache(nil)}

	assert.Equal(t, []string{NameCacheReplay, NameDML, NameFullPlacement, NameSimple}, reg.Names())

	routers, err := reg.Build([]string{NameCacheReplay, NameDML, NameFullPlacement, NameSimple}, deps, Options{})
	require.NoError(t, err)
	require.Len(t, routers, 4)
	assert.Equal(t, NameCacheReplay, routers[0].Name())
	assert.Equal(t, NameSimple, routers[3].Name())

	tests := []struct {
		name  string
		names []string
		deps  Dependencies
	}{
		{"empty", nil, deps},
		{"unknown", []string{"genetic"}, deps},
		{"duplicate", []string{NameSimple, NameSimple}, deps},
		{"replay without cache", []string{NameCacheReplay}, Dependencies{Selector: deps.Selector}},
		{"no selector", []string{NameSimple}, Dependencies{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Build(tt.names, tt.deps, Options{})
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry()
	custom := func(deps Dependencies, _ Options) (Router, error) {
		return NewSimpleRouter(deps.Selector), nil
	}
	require.NoError(t, reg.Register("custom", custom))
	assert.Error(t, reg.Register("custom", custom))
	assert.Error(t, reg.Register(NameSimple, custom))

	routers, err := reg.Build([]string{"custom"}, Dependencies{Selector: placement.NewSelector()}, Options{})
	require.NoError(t, err)
	assert.Len(t, routers, 1)
}
