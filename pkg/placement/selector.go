// Package placement selects the placements that answer one access of a
// query.
package placement

import (
	"slices"
	"sync/atomic"

	"github.com/TFMV/polyroute/pkg/catalog"
	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
)

// Mode is the access mode of a selection.
type Mode int

const (
	// ModeRead needs one placement per referenced column and partition.
	ModeRead Mode = iota
	// ModeWrite needs every placement of every modified column.
	ModeWrite
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	if m == ModeWrite {
		return "WRITE"
	}
	return "READ"
}

// Options bounds a selection.
type Options struct {
	// Limit caps the number of combinations returned. Zero means unbounded.
	Limit int
}

// Selector computes placement combinations. It holds no state besides an
// invocation counter and is safe for concurrent use.
type Selector struct {
	invocations atomic.Int64
}

// NewSelector creates a selector.
func NewSelector() *Selector {
	return &Selector{}
}

// Invocations returns how many selections were made.
func (s *Selector) Invocations() int64 {
	return s.invocations.Load()
}

// Select returns the placement combinations of one entity that answer an
// access to the given columns and partitions. Empty columns means every
// column; empty partitions means every partition.
//
// In READ mode every combination covers every referenced column in every
// accessed partition. Adapters holding all referenced columns of a partition
// are preferred, lowest id first. Without such an adapter the columns are
// gathered greedily from the adapter holding the most missing columns, and
// each fragment also carries the primary-key columns its adapter holds so
// the fragments can be joined back. Combinations are the cross product of the
// per-partition choices in order, truncated at opts.Limit.
//
// In WRITE mode the single combination holds every placement of every
// modified column across all partitions of the entity.
func (s *Selector) Select(snap *catalog.Snapshot, entityID int64, columns, partitions []int64, mode Mode, opts Options) ([]models.PlacementCombination, error) {
	s.invocations.Add(1)

	entity, ok := snap.Entity(entityID)
	if !ok {
		return nil, errors.ErrEntityNotFound.WithDetail("entity", entityID)
	}

	cols, err := referencedColumns(&entity, columns)
	if err != nil {
		return nil, err
	}

	if mode == ModeWrite {
		combo, err := selectWrite(snap, &entity, cols)
		if err != nil {
			return nil, err
		}
		return []models.PlacementCombination{combo}, nil
	}

	parts, err := accessedPartitions(&entity, partitions)
	if err != nil {
		return nil, err
	}
	return selectRead(snap, &entity, cols, parts, opts.Limit)
}

func referencedColumns(e *models.Entity, columns []int64) ([]int64, error) {
	if len(columns) == 0 {
		return e.ColumnIDs(), nil
	}
	cols := slices.Clone(columns)
	slices.Sort(cols)
	cols = slices.Compact(cols)
	for _, c := range cols {
		if _, ok := e.Column(c); !ok {
			return nil, errors.Newf(errors.CodeInvalidRequest, "entity %s has no column %d", e.QualifiedName(), c)
		}
	}
	return cols, nil
}

func accessedPartitions(e *models.Entity, partitions []int64) ([]int64, error) {
	all := make([]int64, len(e.Partitions))
	for i, p := range e.Partitions {
		all[i] = p.ID
	}
	if len(partitions) == 0 {
		return all, nil
	}
	parts := slices.Clone(partitions)
	slices.Sort(parts)
	parts = slices.Compact(parts)
	for _, p := range parts {
		if !slices.Contains(all, p) {
			return nil, errors.Newf(errors.CodeInvalidRequest, "entity %s has no partition %d", e.QualifiedName(), p)
		}
	}
	return parts, nil
}

func selectWrite(snap *catalog.Snapshot, e *models.Entity, cols []int64) (models.PlacementCombination, error) {
	placements := snap.PlacementsOf(e.ID)

	var chosen []models.Placement
	for _, col := range cols {
		for _, part := range e.Partitions {
			found := false
			for _, p := range placements {
				if p.ColumnID == col && p.PartitionID == part.ID {
					chosen = append(chosen, p)
					found = true
				}
			}
			if !found {
				return models.PlacementCombination{}, errors.NoValidPlacement(e.QualifiedName(), col, part.ID)
			}
		}
	}
	return models.NewPlacementCombination(e.ID, chosen), nil
}

// holdings maps adapter id to the placements it holds in one partition,
// keyed by column.
type holdings map[int64]map[int64]models.Placement

func partitionHoldings(placements []models.Placement, partitionID int64) holdings {
	h := make(holdings)
	for _, p := range placements {
		if p.PartitionID != partitionID {
			continue
		}
		if h[p.AdapterID] == nil {
			h[p.AdapterID] = make(map[int64]models.Placement)
		}
		h[p.AdapterID][p.ColumnID] = p
	}
	return h
}

func (h holdings) adapters() []int64 {
	ids := make([]int64, 0, len(h))
	for id := range h {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func selectRead(snap *catalog.Snapshot, e *models.Entity, cols, parts []int64, limit int) ([]models.PlacementCombination, error) {
	placements := snap.PlacementsOf(e.ID)

	choices := make([][][]models.Placement, len(parts))
	for i, part := range parts {
		c, err := partitionChoices(e, partitionHoldings(placements, part), cols, part)
		if err != nil {
			return nil, err
		}
		choices[i] = c
	}

	var out []models.PlacementCombination
	idx := make([]int, len(parts))
	for {
		var union []models.Placement
		for i, j := range idx {
			union = append(union, choices[i][j]...)
		}
		out = append(out, models.NewPlacementCombination(e.ID, union))
		if limit > 0 && len(out) >= limit {
			return out, nil
		}

		// advance the odometer, last partition fastest
		k := len(idx) - 1
		for k >= 0 {
			idx[k]++
			if idx[k] < len(choices[k]) {
				break
			}
			idx[k] = 0
			k--
		}
		if k < 0 {
			return out, nil
		}
	}
}

// partitionChoices returns the alternative placement sets answering one
// partition, best first.
func partitionChoices(e *models.Entity, h holdings, cols []int64, partitionID int64) ([][]models.Placement, error) {
	var full [][]models.Placement
	for _, adapterID := range h.adapters() {
		held := h[adapterID]
		choice := make([]models.Placement, 0, len(cols))
		for _, c := range cols {
			p, ok := held[c]
			if !ok {
				break
			}
			choice = append(choice, p)
		}
		if len(choice) == len(cols) {
			full = append(full, choice)
		}
	}
	if len(full) > 0 {
		return full, nil
	}

	fragments, err := greedyFragments(e, h, cols, partitionID)
	if err != nil {
		return nil, err
	}
	return [][]models.Placement{fragments}, nil
}

// greedyFragments covers the columns with as few adapters as possible by
// repeatedly taking the adapter holding the most still missing columns.
func greedyFragments(e *models.Entity, h holdings, cols []int64, partitionID int64) ([]models.Placement, error) {
	missing := slices.Clone(cols)
	var chosen []models.Placement

	for len(missing) > 0 {
		best, bestCount := int64(0), 0
		for _, adapterID := range h.adapters() {
			count := 0
			for _, c := range missing {
				if _, ok := h[adapterID][c]; ok {
					count++
				}
			}
			if count > bestCount {
				best, bestCount = adapterID, count
			}
		}
		if bestCount == 0 {
			return nil, errors.NoValidPlacement(e.QualifiedName(), missing[0], partitionID)
		}

		held := h[best]
		remaining := missing[:0]
		for _, c := range missing {
			if p, ok := held[c]; ok {
				chosen = append(chosen, p)
			} else {
				remaining = append(remaining, c)
			}
		}
		missing = remaining
		for _, pk := range e.PrimaryKey {
			if p, ok := held[pk]; ok {
				chosen = append(chosen, p)
			}
		}
	}
	return chosen, nil
}
