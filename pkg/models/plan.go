package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// NodeKind is the operator kind of a logical plan node.
type NodeKind int

const (
	NodeScan NodeKind = iota
	NodeFilter
	NodeProject
	NodeJoin
	NodeAggregate
	NodeSort
	NodeUnion
	NodeValues
	NodeModify
)

var nodeKindNames = [...]string{
	NodeScan:      "SCAN",
	NodeFilter:    "FILTER",
	NodeProject:   "PROJECT",
	NodeJoin:      "JOIN",
	NodeAggregate: "AGGREGATE",
	NodeSort:      "SORT",
	NodeUnion:     "UNION",
	NodeValues:    "VALUES",
	NodeModify:    "MODIFY",
}

// String returns the string representation of the node kind.
func (k NodeKind) String() string {
	if k >= 0 && int(k) < len(nodeKindNames) {
		return nodeKindNames[k]
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *NodeKind) UnmarshalText(text []byte) error {
	s := strings.ToUpper(string(text))
	for i, name := range nodeKindNames {
		if name == s {
			*k = NodeKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown node kind %q", string(text))
}

// Operation is the kind of modification performed by a Modify node.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// LogicalNode is one operator of a logical query plan, as handed over by the
// query processor after parsing and algebraic optimization.
//
// Scan nodes reference an entity, the columns the query reads from it and
// the partitions the predicate analysis says are accessed (empty means all).
// Filter nodes list the columns their predicate tests; the estimator turns
// them into selectivities. Modify nodes reference the target entity and the
// columns they write; for INSERT and DELETE every column is written.
type LogicalNode struct {
	Kind       NodeKind       `json:"kind" yaml:"kind"`
	EntityID   int64          `json:"entity_id,omitempty" yaml:"entity_id"`
	Columns    []int64        `json:"columns,omitempty" yaml:"columns"`
	Partitions []int64        `json:"partitions,omitempty" yaml:"partitions"`
	Operation  Operation      `json:"operation,omitempty" yaml:"operation"`
	Inputs     []*LogicalNode `json:"inputs,omitempty" yaml:"inputs"`
}

// Scan creates a scan node.
func Scan(entityID int64, columns []int64, partitions ...int64) *LogicalNode {
	return &LogicalNode{Kind: NodeScan, EntityID: entityID, Columns: columns, Partitions: partitions}
}

// Filter creates a filter node testing the given columns of its input's entity.
func Filter(input *LogicalNode, columns ...int64) *LogicalNode {
	return &LogicalNode{Kind: NodeFilter, EntityID: input.EntityID, Columns: columns, Inputs: []*LogicalNode{input}}
}

// Join creates a join node.
func Join(left, right *LogicalNode) *LogicalNode {
	return &LogicalNode{Kind: NodeJoin, Inputs: []*LogicalNode{left, right}}
}

// Modify creates a modify node writing the given columns of an entity.
func Modify(op Operation, entityID int64, columns []int64, inputs ...*LogicalNode) *LogicalNode {
	return &LogicalNode{Kind: NodeModify, Operation: op, EntityID: entityID, Columns: columns, Inputs: inputs}
}

// IsAccess reports whether the node touches stored data directly.
func (n *LogicalNode) IsAccess() bool {
	return n.Kind == NodeScan || n.Kind == NodeModify
}

// Walk visits the plan in pre-order. Returning false stops descent below n.
func (n *LogicalNode) Walk(fn func(*LogicalNode) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, in := range n.Inputs {
		in.Walk(fn)
	}
}

// Scans returns the scan nodes of the plan in pre-order.
func (n *LogicalNode) Scans() []*LogicalNode {
	var out []*LogicalNode
	n.Walk(func(node *LogicalNode) bool {
		if node.Kind == NodeScan {
			out = append(out, node)
		}
		return true
	})
	return out
}

// AccessNodes returns the scan and modify nodes of the plan in pre-order.
// Routing plans carry one placement combination per access node, in this order.
func (n *LogicalNode) AccessNodes() []*LogicalNode {
	var out []*LogicalNode
	n.Walk(func(node *LogicalNode) bool {
		if node.IsAccess() {
			out = append(out, node)
		}
		return true
	})
	return out
}

// ModifyNode returns the first Modify node of the plan, or nil.
func (n *LogicalNode) ModifyNode() *LogicalNode {
	var found *LogicalNode
	n.Walk(func(node *LogicalNode) bool {
		if found != nil {
			return false
		}
		if node.Kind == NodeModify {
			found = node
			return false
		}
		return true
	})
	return found
}

// Entities returns the distinct entity ids the plan accesses, sorted.
func (n *LogicalNode) Entities() []int64 {
	var ids []int64
	n.Walk(func(node *LogicalNode) bool {
		if node.IsAccess() {
			ids = append(ids, node.EntityID)
		}
		return true
	})
	slices.Sort(ids)
	return slices.Compact(ids)
}

// Validate checks structural well-formedness.
func (n *LogicalNode) Validate() error {
	if n == nil {
		return fmt.Errorf("empty plan")
	}
	var err error
	modifies := 0
	n.Walk(func(node *LogicalNode) bool {
		if err != nil {
			return false
		}
		switch node.Kind {
		case NodeScan:
			if len(node.Inputs) != 0 {
				err = fmt.Errorf("scan of entity %d has inputs", node.EntityID)
			}
		case NodeModify:
			modifies++
			switch node.Operation {
			case OperationInsert, OperationUpdate, OperationDelete:
			default:
				err = fmt.Errorf("modify of entity %d has unknown operation %q", node.EntityID, node.Operation)
			}
		case NodeJoin, NodeUnion:
			if len(node.Inputs) < 2 {
				err = fmt.Errorf("%s needs two inputs", node.Kind)
			}
		}
		for _, in := range node.Inputs {
			if in == nil {
				err = fmt.Errorf("%s has a nil input", node.Kind)
			}
		}
		return true
	})
	if err == nil && modifies > 1 {
		err = fmt.Errorf("plan modifies %d entities, expected at most one", modifies)
	}
	return err
}

// QueryClassID returns the normalized shape key of a plan. Plans that differ
// only in literal values share a key; column and partition order is ignored.
func QueryClassID(n *LogicalNode) string {
	var sb strings.Builder
	writeShape(&sb, n)
	return strconv.FormatUint(xxhash.Sum64String(sb.String()), 16)
}

func writeShape(sb *strings.Builder, n *LogicalNode) {
	if n == nil {
		sb.WriteString("()")
		return
	}
	sb.WriteByte('(')
	sb.WriteString(n.Kind.String())
	if n.IsAccess() || n.Kind == NodeFilter {
		sb.WriteString(" e")
		sb.WriteString(strconv.FormatInt(n.EntityID, 10))
	}
	if n.Operation != "" {
		sb.WriteByte(' ')
		sb.WriteString(string(n.Operation))
	}
	writeSorted(sb, " c", n.Columns)
	writeSorted(sb, " p", n.Partitions)
	for _, in := range n.Inputs {
		sb.WriteByte(' ')
		writeShape(sb, in)
	}
	sb.WriteByte(')')
}

func writeSorted(sb *strings.Builder, prefix string, ids []int64) {
	if len(ids) == 0 {
		return
	}
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	sb.WriteString(prefix)
	for i, id := range sorted {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatInt(id, 10))
	}
}

// String renders the plan as an indented tree.
func (n *LogicalNode) String() string {
	var sb strings.Builder
	var render func(*LogicalNode, int)
	render = func(node *LogicalNode, depth int) {
		sb.WriteString(strings.Repeat("  ", depth))
		sb.WriteString(node.Kind.String())
		if node.IsAccess() {
			fmt.Fprintf(&sb, " entity=%d", node.EntityID)
		}
		if node.Operation != "" {
			fmt.Fprintf(&sb, " op=%s", node.Operation)
		}
		if len(node.Columns) > 0 {
			fmt.Fprintf(&sb, " columns=%v", node.Columns)
		}
		if len(node.Partitions) > 0 {
			fmt.Fprintf(&sb, " partitions=%v", node.Partitions)
		}
		sb.WriteByte('\n')
		for _, in := range node.Inputs {
			render(in, depth+1)
		}
	}
	render(n, 0)
	return sb.String()
}

// ParsePlanJSON decodes a logical plan from JSON and validates it.
func ParsePlanJSON(data []byte) (*LogicalNode, error) {
	var n LogicalNode
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}
	return &n, nil
}
