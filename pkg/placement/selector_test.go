package placement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/polyroute/pkg/catalog"
	"github.com/TFMV/polyroute/pkg/catalog/catalogtest"
	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
)

func TestSelect_ReplicatedRead(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	sel := NewSelector()

	combos, err := sel.Select(snap, catalogtest.Orders, []int64{catalogtest.ColID, catalogtest.ColTotal}, nil, ModeRead, Options{})
	require.NoError(t, err)
	require.Len(t, combos, 2)
	assert.Equal(t, []int64{catalogtest.AdapterA}, combos[0].Adapters(), "lowest adapter id first")
	assert.Equal(t, []int64{catalogtest.AdapterB}, combos[1].Adapters())

	limited, err := sel.Select(snap, catalogtest.Orders, []int64{catalogtest.ColID}, nil, ModeRead, Options{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, []int64{catalogtest.AdapterA}, limited[0].Adapters())

	assert.Equal(t, int64(2), sel.Invocations())
}

func TestSelect_HorizontalPartitions(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	sel := NewSelector()

	combos, err := sel.Select(snap, catalogtest.Events, []int64{catalogtest.ColID, catalogtest.ColKind},
		[]int64{catalogtest.P1, catalogtest.P2}, ModeRead, Options{})
	require.NoError(t, err)
	require.Len(t, combos, 1, "exactly one combination")

	c := combos[0]
	assert.Equal(t, []int64{catalogtest.AdapterA}, c.AdaptersOf(catalogtest.P1))
	assert.Equal(t, []int64{catalogtest.AdapterB}, c.AdaptersOf(catalogtest.P2))

	only, err := sel.Select(snap, catalogtest.Events, []int64{catalogtest.ColID}, []int64{catalogtest.P2}, ModeRead, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int64{catalogtest.P2}, only[0].Partitions())
}

func TestSelect_MissingPartitionPlacement(t *testing.T) {
	snap := catalogtest.WithoutEventsP2(t)

	_, err := NewSelector().Select(snap, catalogtest.Events, []int64{catalogtest.ColID},
		[]int64{catalogtest.P1, catalogtest.P2}, ModeRead, Options{})
	require.Error(t, err)
	assert.True(t, errors.IsNoValidPlacement(err))

	var re *errors.RoutingError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "public.events", re.Details["entity"])
	assert.Equal(t, catalogtest.P2, re.Details["partition"])
	assert.Equal(t, catalogtest.ColID, re.Details["column"])

	_, err = NewSelector().Select(snap, catalogtest.Events, []int64{catalogtest.ColID},
		[]int64{catalogtest.P1}, ModeRead, Options{})
	assert.NoError(t, err, "partition pruning avoids the missing placement")
}

func TestSelect_VerticalFragments(t *testing.T) {
	snap := catalogtest.Snapshot(t)

	combos, err := NewSelector().Select(snap, catalogtest.Users,
		[]int64{catalogtest.ColName, catalogtest.ColEmail}, nil, ModeRead, Options{})
	require.NoError(t, err)
	require.Len(t, combos, 1)

	c := combos[0]
	assert.Equal(t, []int64{catalogtest.AdapterA, catalogtest.AdapterC}, c.Adapters())
	assert.Equal(t, []int64{catalogtest.ColID, catalogtest.ColName, catalogtest.ColEmail}, c.Columns(),
		"fragments carry the primary key for the re-join")

	single, err := NewSelector().Select(snap, catalogtest.Users, []int64{catalogtest.ColID, catalogtest.ColName}, nil, ModeRead, Options{})
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, []int64{catalogtest.AdapterA}, single[0].Adapters(), "a full adapter beats fragments")
}

func TestSelect_GreedyPrefersMostColumns(t *testing.T) {
	snap, err := catalog.NewSnapshot(1,
		[]models.Entity{{ID: 1, Name: "wide", Columns: []models.Column{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}}},
		[]models.Adapter{{ID: 1}, {ID: 2}, {ID: 3}},
		[]models.Placement{
			{EntityID: 1, AdapterID: 1, ColumnID: 1},
			{EntityID: 1, AdapterID: 2, ColumnID: 2},
			{EntityID: 1, AdapterID: 2, ColumnID: 3},
			{EntityID: 1, AdapterID: 2, ColumnID: 4},
			{EntityID: 1, AdapterID: 3, ColumnID: 1},
			{EntityID: 1, AdapterID: 3, ColumnID: 2},
		})
	require.NoError(t, err)

	combos, err := NewSelector().Select(snap, 1, nil, nil, ModeRead, Options{})
	require.NoError(t, err)
	require.Len(t, combos, 1)
	assert.Equal(t, []int64{1, 2}, combos[0].Adapters(), "adapter 2 covers three columns, then adapter 1 wins the tie on id")
}

func TestSelect_WriteCoversAllReplicas(t *testing.T) {
	snap := catalogtest.Snapshot(t)

	combos, err := NewSelector().Select(snap, catalogtest.Orders, []int64{catalogtest.ColTotal}, nil, ModeWrite, Options{})
	require.NoError(t, err)
	require.Len(t, combos, 1)

	c := combos[0]
	for _, p := range snap.PlacementsOf(catalogtest.Orders) {
		if p.ColumnID == catalogtest.ColTotal {
			assert.Contains(t, c.Placements, p)
		}
	}
	assert.Equal(t, []int64{catalogtest.AdapterA, catalogtest.AdapterB}, c.Adapters())
	assert.Equal(t, []int64{catalogtest.ColTotal}, c.Columns())

	events, err := NewSelector().Select(snap, catalogtest.Events, nil, []int64{catalogtest.P1}, ModeWrite, Options{})
	require.NoError(t, err)
	assert.Equal(t, []int64{catalogtest.P1, catalogtest.P2}, events[0].Partitions(), "writes ignore partition pruning")

	_, err = NewSelector().Select(catalogtest.WithoutEventsP2(t), catalogtest.Events, nil, nil, ModeWrite, Options{})
	assert.True(t, errors.IsNoValidPlacement(err))
}

func TestSelect_InvalidInput(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	sel := NewSelector()

	_, err := sel.Select(snap, 99, nil, nil, ModeRead, Options{})
	assert.True(t, errors.IsNotFound(err))

	_, err = sel.Select(snap, catalogtest.Orders, []int64{42}, nil, ModeRead, Options{})
	assert.True(t, errors.IsInvalidRequest(err))

	_, err = sel.Select(snap, catalogtest.Events, nil, []int64{99}, ModeRead, Options{})
	assert.True(t, errors.IsInvalidRequest(err))
}

// Every read combination covers the referenced columns in every accessed
// partition.
func TestSelect_Coverage(t *testing.T) {
	snap := catalogtest.Snapshot(t)
	sel := NewSelector()

	for _, e := range snap.Entities() {
		cols := e.ColumnIDs()
		for n := 1; n <= len(cols); n++ {
			combos, err := sel.Select(snap, e.ID, cols[:n], nil, ModeRead, Options{})
			require.NoError(t, err, "entity %s", e.Name)
			for _, c := range combos {
				for _, part := range snap.PartitionsOf(e.ID) {
					held := map[int64]bool{}
					for _, p := range c.Placements {
						if p.PartitionID == part {
							held[p.ColumnID] = true
							assert.True(t, snap.HasPlacement(p))
						}
					}
					for _, col := range cols[:n] {
						assert.True(t, held[col], "entity %s column %d partition %d", e.Name, col, part)
					}
				}
			}
		}
	}
}
