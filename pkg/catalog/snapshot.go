// Package catalog provides the read-only placement metadata consumed by the
// routers: which adapters hold which columns of which partitions of which
// entities.
package catalog

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
)

// DefaultPartitionID is the partition given to entities declared without
// partitions.
const DefaultPartitionID int64 = 0

// Snapshot is an immutable view of the placement catalog. Every accessor
// returns copies; a snapshot can be shared by any number of goroutines.
type Snapshot struct {
	version        uint64
	entities       map[int64]*models.Entity
	byName         map[string]int64
	adapters       map[int64]models.Adapter
	placements     map[int64][]models.Placement
	placementSet   map[models.Placement]struct{}
	entityVersions map[int64]uint64
}

// NewSnapshot builds and validates a snapshot. Placements referencing an
// unknown entity, adapter, column or partition are rejected.
func NewSnapshot(version uint64, entities []models.Entity, adapters []models.Adapter, placements []models.Placement) (*Snapshot, error) {
	s := &Snapshot{
		version:        version,
		entities:       make(map[int64]*models.Entity, len(entities)),
		byName:         make(map[string]int64, len(entities)),
		adapters:       make(map[int64]models.Adapter, len(adapters)),
		placements:     make(map[int64][]models.Placement, len(entities)),
		placementSet:   make(map[models.Placement]struct{}, len(placements)),
		entityVersions: make(map[int64]uint64, len(entities)),
	}

	for _, a := range adapters {
		if _, dup := s.adapters[a.ID]; dup {
			return nil, invalidCatalog("duplicate adapter id %d", a.ID)
		}
		s.adapters[a.ID] = a
	}

	for i := range entities {
		e, err := normalizeEntity(entities[i])
		if err != nil {
			return nil, err
		}
		if _, dup := s.entities[e.ID]; dup {
			return nil, invalidCatalog("duplicate entity id %d", e.ID)
		}
		s.entities[e.ID] = e
		s.byName[strings.ToLower(e.QualifiedName())] = e.ID
		if e.Namespace != "" {
			if _, taken := s.byName[strings.ToLower(e.Name)]; !taken {
				s.byName[strings.ToLower(e.Name)] = e.ID
			}
		}
		s.entityVersions[e.ID] = version
	}

	for _, p := range placements {
		e, ok := s.entities[p.EntityID]
		if !ok {
			return nil, invalidCatalog("placement %s references unknown entity", p)
		}
		if _, ok := s.adapters[p.AdapterID]; !ok {
			return nil, invalidCatalog("placement %s references unknown adapter", p)
		}
		if _, ok := e.Column(p.ColumnID); !ok {
			return nil, invalidCatalog("placement %s references unknown column", p)
		}
		if !hasPartition(e, p.PartitionID) {
			return nil, invalidCatalog("placement %s references unknown partition", p)
		}
		if _, dup := s.placementSet[p]; dup {
			continue
		}
		s.placementSet[p] = struct{}{}
		s.placements[p.EntityID] = append(s.placements[p.EntityID], p)
	}
	for id := range s.placements {
		slices.SortFunc(s.placements[id], models.ComparePlacements)
	}

	return s, nil
}

func normalizeEntity(in models.Entity) (*models.Entity, error) {
	e := in
	e.Columns = slices.Clone(in.Columns)
	e.PrimaryKey = slices.Clone(in.PrimaryKey)
	e.Partitions = slices.Clone(in.Partitions)

	policy, err := models.ParsePartitioning(string(in.Partitioning))
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "entity %d", in.ID)
	}
	e.Partitioning = policy
	if e.Model == "" {
		e.Model = models.ModelRelational
	}

	if len(e.Columns) == 0 {
		return nil, invalidCatalog("entity %d (%s) has no columns", e.ID, e.Name)
	}
	seen := make(map[int64]struct{}, len(e.Columns))
	for _, c := range e.Columns {
		if _, dup := seen[c.ID]; dup {
			return nil, invalidCatalog("entity %d has duplicate column id %d", e.ID, c.ID)
		}
		seen[c.ID] = struct{}{}
	}
	for _, pk := range e.PrimaryKey {
		if _, ok := seen[pk]; !ok {
			return nil, invalidCatalog("entity %d primary key references unknown column %d", e.ID, pk)
		}
	}

	if len(e.Partitions) == 0 {
		if e.Partitioning == models.PartitioningHorizontal {
			return nil, invalidCatalog("horizontally partitioned entity %d declares no partitions", e.ID)
		}
		e.Partitions = []models.Partition{{ID: DefaultPartitionID, Name: "default"}}
	}
	slices.SortFunc(e.Partitions, func(a, b models.Partition) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return &e, nil
}

func hasPartition(e *models.Entity, id int64) bool {
	for _, p := range e.Partitions {
		if p.ID == id {
			return true
		}
	}
	return false
}

func invalidCatalog(format string, args ...interface{}) error {
	return errors.New(errors.CodeInvalidConfig, fmt.Sprintf(format, args...))
}

// Version returns the snapshot version.
func (s *Snapshot) Version() uint64 {
	return s.version
}

// EntityVersion returns the snapshot version at which the entity's placement
// metadata last changed, or 0 for unknown entities.
func (s *Snapshot) EntityVersion(id int64) uint64 {
	return s.entityVersions[id]
}

// Entity returns a copy of the entity with the given id.
func (s *Snapshot) Entity(id int64) (models.Entity, bool) {
	e, ok := s.entities[id]
	if !ok {
		return models.Entity{}, false
	}
	return copyEntity(e), true
}

// EntityByName resolves an entity by its qualified or plain name,
// case-insensitively.
func (s *Snapshot) EntityByName(name string) (models.Entity, bool) {
	id, ok := s.byName[strings.ToLower(name)]
	if !ok {
		return models.Entity{}, false
	}
	return s.Entity(id)
}

// Entities returns every entity ordered by id.
func (s *Snapshot) Entities() []models.Entity {
	out := make([]models.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		out = append(out, copyEntity(e))
	}
	slices.SortFunc(out, func(a, b models.Entity) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Adapter returns the adapter with the given id.
func (s *Snapshot) Adapter(id int64) (models.Adapter, bool) {
	a, ok := s.adapters[id]
	return a, ok
}

// Adapters returns every adapter ordered by id.
func (s *Snapshot) Adapters() []models.Adapter {
	out := make([]models.Adapter, 0, len(s.adapters))
	for _, a := range s.adapters {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b models.Adapter) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// PlacementsOf returns every placement of the entity, ordered by partition,
// adapter and column.
func (s *Snapshot) PlacementsOf(entityID int64) []models.Placement {
	return slices.Clone(s.placements[entityID])
}

// PlacementsOn returns every placement held by one adapter.
func (s *Snapshot) PlacementsOn(adapterID int64) []models.Placement {
	var out []models.Placement
	for _, ps := range s.placements {
		for _, p := range ps {
			if p.AdapterID == adapterID {
				out = append(out, p)
			}
		}
	}
	slices.SortFunc(out, models.ComparePlacements)
	return out
}

// PartitionsOf returns the partition ids of the entity, ascending.
func (s *Snapshot) PartitionsOf(entityID int64) []int64 {
	e, ok := s.entities[entityID]
	if !ok {
		return nil
	}
	ids := make([]int64, len(e.Partitions))
	for i, p := range e.Partitions {
		ids[i] = p.ID
	}
	return ids
}

// HasPlacement reports whether the exact placement exists.
func (s *Snapshot) HasPlacement(p models.Placement) bool {
	_, ok := s.placementSet[p]
	return ok
}

// Unreachable returns, per entity, the (column, partition) pairs without any
// placement. Such entities cannot be fully read.
func (s *Snapshot) Unreachable() map[int64][]models.Placement {
	out := make(map[int64][]models.Placement)
	for id, e := range s.entities {
		held := make(map[[2]int64]bool)
		for _, p := range s.placements[id] {
			held[[2]int64{p.ColumnID, p.PartitionID}] = true
		}
		for _, part := range e.Partitions {
			for _, c := range e.Columns {
				if !held[[2]int64{c.ID, part.ID}] {
					out[id] = append(out[id], models.Placement{EntityID: id, ColumnID: c.ID, PartitionID: part.ID})
				}
			}
		}
	}
	return out
}

// rebase returns a copy of s whose entity versions carry forward from prev
// for every entity whose placement metadata did not change, together with
// the ids of the entities that did change, ascending.
func (s *Snapshot) rebase(prev *Snapshot) (*Snapshot, []int64) {
	next := *s
	next.entityVersions = make(map[int64]uint64, len(s.entityVersions))

	var changed []int64
	for id, e := range s.entities {
		old, ok := prev.entities[id]
		if ok && entityEqual(old, e) && slices.Equal(prev.placements[id], s.placements[id]) {
			next.entityVersions[id] = prev.entityVersions[id]
			continue
		}
		next.entityVersions[id] = s.version
		changed = append(changed, id)
	}
	for id := range prev.entities {
		if _, ok := s.entities[id]; !ok {
			changed = append(changed, id)
		}
	}
	slices.Sort(changed)
	return &next, changed
}

func entityEqual(a, b *models.Entity) bool {
	return a.Partitioning == b.Partitioning &&
		slices.Equal(a.Columns, b.Columns) &&
		slices.Equal(a.PrimaryKey, b.PrimaryKey) &&
		slices.Equal(a.Partitions, b.Partitions)
}

func copyEntity(e *models.Entity) models.Entity {
	cp := *e
	cp.Columns = slices.Clone(e.Columns)
	cp.PrimaryKey = slices.Clone(e.PrimaryKey)
	cp.Partitions = slices.Clone(e.Partitions)
	return cp
}
