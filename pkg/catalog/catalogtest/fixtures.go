// Package catalogtest provides catalog fixtures for tests.
package catalogtest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/TFMV/polyroute/pkg/catalog"
	"github.com/TFMV/polyroute/pkg/models"
)

// Adapter ids of the fixture catalog.
const (
	AdapterA int64 = 1
	AdapterB int64 = 2
	AdapterC int64 = 3
)

// Entity ids of the fixture catalog.
const (
	// Orders is unpartitioned and fully replicated on A and B.
	Orders int64 = 1
	// Events is horizontally partitioned: p1 on A, p2 on B.
	Events int64 = 2
	// Users is vertically partitioned: A holds id,name and C holds id,email.
	Users int64 = 3
)

// Column ids shared by the fixture entities.
const (
	ColID    int64 = 1
	ColTotal int64 = 2
	ColName  int64 = 2
	ColEmail int64 = 3
	ColKind  int64 = 2
)

// Partition ids of Events.
const (
	P1 int64 = 10
	P2 int64 = 11
)

// YAML is the fixture catalog.
const YAML = `
version: 1
adapters:
  - {id: 1, name: A, kind: relational}
  - {id: 2, name: B, kind: relational}
  - {id: 3, name: C, kind: document}
entities:
  - id: 1
    name: orders
    namespace: public
    columns: [{id: 1, name: id}, {id: 2, name: total}, {id: 3, name: customer}]
    primary_key: [1]
    partitioning: REPLICATED
  - id: 2
    name: events
    namespace: public
    columns: [{id: 1, name: id}, {id: 2, name: kind}]
    primary_key: [1]
    partitioning: HORIZONTAL
    partitions: [{id: 10, name: p1}, {id: 11, name: p2}]
  - id: 3
    name: users
    namespace: public
    columns: [{id: 1, name: id}, {id: 2, name: name}, {id: 3, name: email}]
    primary_key: [1]
placements:
  - {entity: orders, adapter: A}
  - {entity: orders, adapter: B}
  - {entity: events, adapter: A, partitions: [10]}
  - {entity: events, adapter: B, partitions: [11]}
  - {entity: users, adapter: A, columns: [id, name]}
  - {entity: users, adapter: C, columns: [id, email]}
`

// Snapshot parses the fixture catalog.
func Snapshot(t testing.TB) *catalog.Snapshot {
	t.Helper()
	s, err := catalog.ParseYAML([]byte(YAML))
	require.NoError(t, err)
	return s
}

// Rebuild copies s at a new version, keeping only the placements for which
// keep returns true.
func Rebuild(t testing.TB, s *catalog.Snapshot, version uint64, keep func(models.Placement) bool) *catalog.Snapshot {
	t.Helper()
	var placements []models.Placement
	for _, e := range s.Entities() {
		for _, p := range s.PlacementsOf(e.ID) {
			if keep(p) {
				placements = append(placements, p)
			}
		}
	}
	next, err := catalog.NewSnapshot(version, s.Entities(), s.Adapters(), placements)
	require.NoError(t, err)
	return next
}

// WithoutEventsP2 is the fixture catalog at version 2 after the placement of
// events p2 was dropped.
func WithoutEventsP2(t testing.TB) *catalog.Snapshot {
	t.Helper()
	return Rebuild(t, Snapshot(t), 2, func(p models.Placement) bool {
		return p.EntityID != Events || p.PartitionID != P2
	})
}
