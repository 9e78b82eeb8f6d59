package models

import (
	"cmp"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Placement records that the data of one column of one partition of an
// entity is physically stored on an adapter.
type Placement struct {
	EntityID    int64 `json:"entity_id" yaml:"entity_id"`
	AdapterID   int64 `json:"adapter_id" yaml:"adapter_id"`
	ColumnID    int64 `json:"column_id" yaml:"column_id"`
	PartitionID int64 `json:"partition_id" yaml:"partition_id"`
}

// String returns a compact representation for logs.
func (p Placement) String() string {
	return fmt.Sprintf("e%d/p%d/c%d@a%d", p.EntityID, p.PartitionID, p.ColumnID, p.AdapterID)
}

// ComparePlacements orders placements by partition, adapter, column.
func ComparePlacements(a, b Placement) int {
	if c := cmp.Compare(a.EntityID, b.EntityID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.PartitionID, b.PartitionID); c != 0 {
		return c
	}
	if c := cmp.Compare(a.AdapterID, b.AdapterID); c != 0 {
		return c
	}
	return cmp.Compare(a.ColumnID, b.ColumnID)
}

// PlacementCombination is a set of placements of one entity that jointly
// answers one access of a query.
type PlacementCombination struct {
	EntityID   int64       `json:"entity_id"`
	Placements []Placement `json:"placements"`
}

// NewPlacementCombination sorts and de-duplicates the placements.
func NewPlacementCombination(entityID int64, placements []Placement) PlacementCombination {
	ps := slices.Clone(placements)
	slices.SortFunc(ps, ComparePlacements)
	ps = slices.Compact(ps)
	return PlacementCombination{EntityID: entityID, Placements: ps}
}

// Adapters returns the distinct adapters of the combination, ascending.
func (c PlacementCombination) Adapters() []int64 {
	return distinct(c.Placements, func(p Placement) int64 { return p.AdapterID })
}

// Columns returns the distinct columns of the combination, ascending.
func (c PlacementCombination) Columns() []int64 {
	return distinct(c.Placements, func(p Placement) int64 { return p.ColumnID })
}

// Partitions returns the distinct partitions of the combination, ascending.
func (c PlacementCombination) Partitions() []int64 {
	return distinct(c.Placements, func(p Placement) int64 { return p.PartitionID })
}

// AdaptersOf returns the adapters serving one partition, ascending.
func (c PlacementCombination) AdaptersOf(partitionID int64) []int64 {
	var out []int64
	for _, p := range c.Placements {
		if p.PartitionID == partitionID {
			out = append(out, p.AdapterID)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Key returns a stable signature of the combination.
func (c PlacementCombination) Key() string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(c.EntityID, 10))
	sb.WriteByte(':')
	for i, p := range c.Placements {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatInt(p.PartitionID, 10))
		sb.WriteByte('/')
		sb.WriteString(strconv.FormatInt(p.AdapterID, 10))
		sb.WriteByte('/')
		sb.WriteString(strconv.FormatInt(p.ColumnID, 10))
	}
	return sb.String()
}

// Equal reports whether both combinations hold the same placements.
func (c PlacementCombination) Equal(o PlacementCombination) bool {
	return c.EntityID == o.EntityID && slices.Equal(c.Placements, o.Placements)
}

// CompareCombinations orders combinations by their adapter sets first, then
// by placements. It is a total order used for deterministic tie-breaks.
func CompareCombinations(a, b PlacementCombination) int {
	if c := slices.Compare(a.Adapters(), b.Adapters()); c != 0 {
		return c
	}
	if c := cmp.Compare(a.EntityID, b.EntityID); c != 0 {
		return c
	}
	return slices.CompareFunc(a.Placements, b.Placements, ComparePlacements)
}

func distinct(ps []Placement, field func(Placement) int64) []int64 {
	out := make([]int64, 0, len(ps))
	for _, p := range ps {
		out = append(out, field(p))
	}
	slices.Sort(out)
	return slices.Compact(out)
}
