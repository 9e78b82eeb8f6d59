package models

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/TFMV/polyroute/pkg/txid"
)

// RouterKind classifies router strategies. Its order is the tie-break
// priority used by plan selection.
type RouterKind int

const (
	RouterKindSimple RouterKind = iota
	RouterKindFullPlacement
	RouterKindCacheReplay
	RouterKindDML
)

// String returns the string representation of the router kind.
func (k RouterKind) String() string {
	switch k {
	case RouterKindSimple:
		return "simple"
	case RouterKindFullPlacement:
		return "full-placement"
	case RouterKindCacheReplay:
		return "cache-replay"
	case RouterKindDML:
		return "dml"
	default:
		return "unknown"
	}
}

// Priority returns the tie-break priority, higher wins.
func (k RouterKind) Priority() int {
	return int(k)
}

// MarshalText implements encoding.TextMarshaler.
func (k RouterKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *RouterKind) UnmarshalText(text []byte) error {
	for c := RouterKindSimple; c <= RouterKindDML; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown router kind %q", string(text))
}

// StaticCost is the pre-execution estimate of a plan.
type StaticCost struct {
	Rows float64 `json:"rows"`
	CPU  float64 `json:"cpu"`
	IO   float64 `json:"io"`
}

// Value collapses the estimate into a single comparable number.
func (c StaticCost) Value() float64 {
	return c.CPU + c.IO
}

// LearnedCost is the moving average of monitored executions.
type LearnedCost struct {
	Value   float64 `json:"value"`
	Samples int64   `json:"samples"`
}

// PhysicalNode is a logical node annotated with the placements chosen for it.
type PhysicalNode struct {
	Logical     *LogicalNode          `json:"-"`
	Kind        NodeKind              `json:"kind"`
	Combination *PlacementCombination `json:"combination,omitempty"`
	Inputs      []*PhysicalNode       `json:"inputs,omitempty"`
}

// BuildPhysical annotates the access nodes of plan, in pre-order, with the
// given combinations.
func BuildPhysical(plan *LogicalNode, combos []PlacementCombination) (*PhysicalNode, error) {
	idx := 0
	var build func(*LogicalNode) *PhysicalNode
	build = func(n *LogicalNode) *PhysicalNode {
		pn := &PhysicalNode{Logical: n, Kind: n.Kind}
		if n.IsAccess() {
			if idx < len(combos) {
				c := combos[idx]
				pn.Combination = &c
			}
			idx++
		}
		for _, in := range n.Inputs {
			pn.Inputs = append(pn.Inputs, build(in))
		}
		return pn
	}
	root := build(plan)
	if idx != len(combos) {
		return nil, fmt.Errorf("plan has %d access nodes but %d combinations were given", idx, len(combos))
	}
	return root, nil
}

// SubStatement is the part of a DML statement executed on one adapter.
type SubStatement struct {
	AdapterID  int64         `json:"adapter_id"`
	Operation  Operation     `json:"operation"`
	Placements []Placement   `json:"placements"`
	Global     txid.GlobalID `json:"global"`
	Branch     txid.BranchID `json:"branch"`
}

// RoutingPlan is the output of one routing attempt. It is never mutated after
// creation; WithCosts returns an annotated copy.
type RoutingPlan struct {
	QueryClassID  string                 `json:"query_class_id"`
	Router        string                 `json:"router"`
	Kind          RouterKind             `json:"kind"`
	Physical      *PhysicalNode          `json:"physical,omitempty"`
	Combinations  []PlacementCombination `json:"combinations"`
	SubStatements []SubStatement         `json:"sub_statements,omitempty"`
	StaticCost    *StaticCost            `json:"static_cost,omitempty"`
	LearnedCost   *LearnedCost           `json:"learned_cost,omitempty"`
	Cacheable     bool                   `json:"cacheable"`
	FromCache     bool                   `json:"from_cache,omitempty"`
}

// WithCosts returns a copy of the plan carrying the given costs.
func (p *RoutingPlan) WithCosts(static *StaticCost, learned *LearnedCost) *RoutingPlan {
	cp := *p
	cp.StaticCost = static
	cp.LearnedCost = learned
	return &cp
}

// Adapters returns every adapter the plan touches, ascending.
func (p *RoutingPlan) Adapters() []int64 {
	var all []Placement
	for _, c := range p.Combinations {
		all = append(all, c.Placements...)
	}
	return distinct(all, func(pl Placement) int64 { return pl.AdapterID })
}

// Signature returns a stable description of the chosen placements.
func (p *RoutingPlan) Signature() string {
	keys := make([]string, len(p.Combinations))
	for i, c := range p.Combinations {
		keys[i] = c.Key()
	}
	return strings.Join(keys, ";")
}

// PhysicalClassID identifies the physical shape of the plan: the query class
// plus the placements it reads. Execution monitoring is keyed by it.
func (p *RoutingPlan) PhysicalClassID() string {
	return fmt.Sprintf("%s#%x", p.QueryClassID, xxhash.Sum64String(p.Signature()))
}

// ToCached projects the plan onto its cacheable form.
func (p *RoutingPlan) ToCached(snapshotVersion uint64) *CachedRoutingPlan {
	combos := make([]PlacementCombination, len(p.Combinations))
	copy(combos, p.Combinations)
	entities := make([]int64, 0, len(combos))
	for _, c := range combos {
		entities = append(entities, c.EntityID)
	}
	return &CachedRoutingPlan{
		QueryClassID:    p.QueryClassID,
		Router:          p.Router,
		Combinations:    combos,
		Entities:        sortedUnique(entities),
		SnapshotVersion: snapshotVersion,
		CreatedAt:       time.Now(),
	}
}

// CachedRoutingPlan is the compact, immutable unit stored in the plan cache.
type CachedRoutingPlan struct {
	QueryClassID    string                 `json:"query_class_id"`
	Router          string                 `json:"router"`
	Combinations    []PlacementCombination `json:"combinations"`
	Entities        []int64                `json:"entities"`
	SnapshotVersion uint64                 `json:"snapshot_version"`
	CreatedAt       time.Time              `json:"created_at"`
}

// References reports whether the cached plan reads the entity.
func (c *CachedRoutingPlan) References(entityID int64) bool {
	for _, id := range c.Entities {
		if id == entityID {
			return true
		}
	}
	return false
}

// PlacementTuple is one row of the persisted representation of a cached plan.
type PlacementTuple struct {
	Scan        int   `json:"scan"`
	EntityID    int64 `json:"entity_id"`
	PartitionID int64 `json:"partition_id"`
	AdapterID   int64 `json:"adapter_id"`
	ColumnID    int64 `json:"column_id"`
}

// Tuples flattens the cached combinations.
func (c *CachedRoutingPlan) Tuples() []PlacementTuple {
	var out []PlacementTuple
	for i, combo := range c.Combinations {
		for _, p := range combo.Placements {
			out = append(out, PlacementTuple{
				Scan:        i,
				EntityID:    p.EntityID,
				PartitionID: p.PartitionID,
				AdapterID:   p.AdapterID,
				ColumnID:    p.ColumnID,
			})
		}
	}
	return out
}

// CachedFromTuples rebuilds a cached plan from its persisted representation.
// Scan indices must cover 0..n-1 without gaps and each scan must read a
// single entity.
func CachedFromTuples(queryClassID, router string, tuples []PlacementTuple) (*CachedRoutingPlan, error) {
	scans := 0
	for _, t := range tuples {
		if t.Scan < 0 || t.Scan >= len(tuples) {
			return nil, fmt.Errorf("plan %s: scan index %d out of range [0, %d)", queryClassID, t.Scan, len(tuples))
		}
		scans = max(scans, t.Scan+1)
	}
	grouped := make([][]Placement, scans)
	entityOf := make([]int64, scans)
	for _, t := range tuples {
		if len(grouped[t.Scan]) > 0 && entityOf[t.Scan] != t.EntityID {
			return nil, fmt.Errorf("plan %s: scan %d reads entities %d and %d", queryClassID, t.Scan, entityOf[t.Scan], t.EntityID)
		}
		grouped[t.Scan] = append(grouped[t.Scan], Placement{
			EntityID:    t.EntityID,
			AdapterID:   t.AdapterID,
			ColumnID:    t.ColumnID,
			PartitionID: t.PartitionID,
		})
		entityOf[t.Scan] = t.EntityID
	}
	combos := make([]PlacementCombination, scans)
	for i := range grouped {
		if len(grouped[i]) == 0 {
			return nil, fmt.Errorf("plan %s: scan %d has no placements", queryClassID, i)
		}
		combos[i] = NewPlacementCombination(entityOf[i], grouped[i])
	}
	return &CachedRoutingPlan{
		QueryClassID: queryClassID,
		Router:       router,
		Combinations: combos,
		Entities:     sortedUnique(entityOf),
		CreatedAt:    time.Now(),
	}, nil
}

// QueryInfo is what routers learn about a query besides its plan.
type QueryInfo struct {
	QueryClassID string  `json:"query_class_id"`
	IsDML        bool    `json:"is_dml"`
	Entities     []int64 `json:"entities"`
}

// NewQueryInfo analyzes a plan.
func NewQueryInfo(plan *LogicalNode) QueryInfo {
	return QueryInfo{
		QueryClassID: QueryClassID(plan),
		IsDML:        plan.ModifyNode() != nil,
		Entities:     plan.Entities(),
	}
}

// Statement is the per-statement context supplied by the query processor.
type Statement struct {
	ID      string        `json:"id"`
	Global  txid.GlobalID `json:"global"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Candidate is a scored routing plan, kept for explain output.
type Candidate struct {
	Plan          *RoutingPlan `json:"plan"`
	EffectiveCost float64      `json:"effective_cost"`
}

// RoutingDecision is the answer handed back to the query processor. ClassID
// is the key under which executions of the plan are reported.
type RoutingDecision struct {
	Plan       *RoutingPlan            `json:"plan"`
	ClassID    string                  `json:"class_id"`
	Global     txid.GlobalID           `json:"global"`
	Branches   map[int64]txid.BranchID `json:"branches"`
	Candidates []Candidate             `json:"candidates,omitempty"`
	Partial    bool                    `json:"partial,omitempty"`
	Elapsed    time.Duration           `json:"elapsed"`
}

func sortedUnique(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
