package catalog_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/polyroute/pkg/catalog"
	"github.com/TFMV/polyroute/pkg/catalog/catalogtest"
	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
)

func TestParseYAML_Fixture(t *testing.T) {
	s := catalogtest.Snapshot(t)

	assert.Equal(t, uint64(1), s.Version())
	assert.Len(t, s.Adapters(), 3)
	assert.Len(t, s.Entities(), 3)

	orders, ok := s.EntityByName("public.orders")
	require.True(t, ok)
	assert.Equal(t, catalogtest.Orders, orders.ID)
	assert.Equal(t, models.PartitioningReplicated, orders.Partitioning)
	assert.Equal(t, []int64{catalog.DefaultPartitionID}, s.PartitionsOf(catalogtest.Orders))
	assert.Len(t, s.PlacementsOf(catalogtest.Orders), 6, "3 columns on 2 adapters")

	_, ok = s.EntityByName("ORDERS")
	assert.True(t, ok, "plain names resolve case-insensitively")

	assert.Equal(t, []int64{catalogtest.P1, catalogtest.P2}, s.PartitionsOf(catalogtest.Events))
	assert.True(t, s.HasPlacement(models.Placement{
		EntityID: catalogtest.Events, AdapterID: catalogtest.AdapterB,
		ColumnID: catalogtest.ColID, PartitionID: catalogtest.P2,
	}))
	assert.False(t, s.HasPlacement(models.Placement{
		EntityID: catalogtest.Events, AdapterID: catalogtest.AdapterA,
		ColumnID: catalogtest.ColID, PartitionID: catalogtest.P2,
	}))

	users := s.PlacementsOn(catalogtest.AdapterC)
	require.Len(t, users, 2)
	assert.Equal(t, catalogtest.ColEmail, users[1].ColumnID)

	assert.Empty(t, s.Unreachable())
}

func TestNewSnapshot_Validation(t *testing.T) {
	entities := []models.Entity{{ID: 1, Name: "t", Columns: []models.Column{{ID: 1, Name: "a"}}}}
	adapters := []models.Adapter{{ID: 1, Name: "A"}}

	tests := []struct {
		name       string
		entities   []models.Entity
		placements []models.Placement
	}{
		{"unknown entity", entities, []models.Placement{{EntityID: 9, AdapterID: 1, ColumnID: 1}}},
		{"unknown adapter", entities, []models.Placement{{EntityID: 1, AdapterID: 9, ColumnID: 1}}},
		{"unknown column", entities, []models.Placement{{EntityID: 1, AdapterID: 1, ColumnID: 9}}},
		{"unknown partition", entities, []models.Placement{{EntityID: 1, AdapterID: 1, ColumnID: 1, PartitionID: 5}}},
		{"no columns", []models.Entity{{ID: 1, Name: "t"}}, nil},
		{"horizontal without partitions", []models.Entity{{
			ID: 1, Name: "t", Columns: []models.Column{{ID: 1}}, Partitioning: models.PartitioningHorizontal,
		}}, nil},
		{"bad primary key", []models.Entity{{ID: 1, Name: "t", Columns: []models.Column{{ID: 1}}, PrimaryKey: []int64{2}}}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.NewSnapshot(1, tt.entities, adapters, tt.placements)
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}

func TestSnapshot_ReturnsCopies(t *testing.T) {
	s := catalogtest.Snapshot(t)

	ps := s.PlacementsOf(catalogtest.Orders)
	ps[0].AdapterID = 99
	assert.NotEqual(t, int64(99), s.PlacementsOf(catalogtest.Orders)[0].AdapterID)

	e, _ := s.Entity(catalogtest.Orders)
	e.Columns[0].Name = "mutated"
	again, _ := s.Entity(catalogtest.Orders)
	assert.Equal(t, "id", again.Columns[0].Name)
}

func TestUnreachable(t *testing.T) {
	s := catalogtest.WithoutEventsP2(t)
	missing := s.Unreachable()
	require.Len(t, missing[catalogtest.Events], 2)
	assert.Equal(t, catalogtest.P2, missing[catalogtest.Events][0].PartitionID)
}

func TestView_Refresh(t *testing.T) {
	v := catalog.NewView(catalogtest.Snapshot(t))

	var notified [][]int64
	v.Subscribe(catalog.ChangeListenerFunc(func(changed []int64) {
		notified = append(notified, changed)
	}))

	next := catalogtest.WithoutEventsP2(t)
	changed, err := v.Refresh(next)
	require.NoError(t, err)
	assert.Equal(t, []int64{catalogtest.Events}, changed)
	require.Len(t, notified, 1)

	cur := v.Current()
	assert.Equal(t, uint64(2), cur.Version())
	assert.Equal(t, uint64(2), cur.EntityVersion(catalogtest.Events))
	assert.Equal(t, uint64(1), cur.EntityVersion(catalogtest.Orders), "unchanged entities keep their version")

	_, err = v.Refresh(catalogtest.Snapshot(t))
	require.Error(t, err, "older snapshots are rejected")
	assert.Equal(t, uint64(2), v.Current().Version())

	_, err = v.Refresh(nil)
	assert.Error(t, err)
}

func TestView_ConcurrentReaders(t *testing.T) {
	base := catalogtest.Snapshot(t)
	v := catalog.NewView(base)

	versions := make([]*catalog.Snapshot, 20)
	for i := range versions {
		versions[i] = catalogtest.Rebuild(t, base, uint64(i+2), func(models.Placement) bool { return true })
	}

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				s := v.Current()
				assert.Len(t, s.PlacementsOf(catalogtest.Orders), 6)
			}
		}()
	}
	for _, s := range versions {
		_, err := v.Refresh(s)
		require.NoError(t, err)
	}
	wg.Wait()

	assert.Equal(t, uint64(21), v.Current().Version())
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogtest.YAML), 0o600))

	s, err := catalog.LoadYAML(path)
	require.NoError(t, err)
	assert.Len(t, s.Entities(), 3)

	_, err = catalog.LoadYAML(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = catalog.ParseYAML([]byte("placements:\n  - {entity: nope, adapter: A}\n"))
	assert.Error(t, err)

	_, err = catalog.ParseYAML([]byte(`
adapters: [{id: 1, name: A}]
entities: [{id: 1, name: t, columns: [{id: 1, name: a}]}]
placements: [{entity: t, adapter: A, columns: [b]}]
`))
	assert.Error(t, err)
}
