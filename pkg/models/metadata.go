// Package models provides data structures used throughout the routing layer.
package models

import (
	"fmt"
	"strings"
)

// DataModel is the data model of an entity.
type DataModel string

const (
	ModelRelational DataModel = "relational"
	ModelDocument   DataModel = "document"
	ModelGraph      DataModel = "graph"
)

// Partitioning is the partitioning policy of an entity.
type Partitioning string

const (
	// PartitioningNone stores the entity as one partition.
	PartitioningNone Partitioning = "NONE"
	// PartitioningHorizontal splits rows into disjoint partitions.
	PartitioningHorizontal Partitioning = "HORIZONTAL"
	// PartitioningReplicated stores one partition with several full copies.
	PartitioningReplicated Partitioning = "REPLICATED"
)

// ParsePartitioning parses a partitioning policy, case-insensitively. Empty
// means NONE.
func ParsePartitioning(s string) (Partitioning, error) {
	switch p := Partitioning(strings.ToUpper(strings.TrimSpace(s))); p {
	case "":
		return PartitioningNone, nil
	case PartitioningNone, PartitioningHorizontal, PartitioningReplicated:
		return p, nil
	default:
		return "", fmt.Errorf("unknown partitioning %q", s)
	}
}

// Adapter is an independent storage engine plugged into the polystore.
type Adapter struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	Kind string `json:"kind,omitempty" yaml:"kind"`
}

// Column is one column or field of an entity.
type Column struct {
	ID       int64  `json:"id" yaml:"id"`
	Name     string `json:"name" yaml:"name"`
	DataType string `json:"data_type,omitempty" yaml:"data_type"`
}

// Partition is a disjoint subset of an entity's rows.
type Partition struct {
	ID   int64  `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name"`
}

// Entity is a table, document collection or graph.
type Entity struct {
	ID           int64        `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Namespace    string       `json:"namespace,omitempty" yaml:"namespace"`
	Model        DataModel    `json:"model,omitempty" yaml:"model"`
	Columns      []Column     `json:"columns" yaml:"columns"`
	PrimaryKey   []int64      `json:"primary_key,omitempty" yaml:"primary_key"`
	Partitioning Partitioning `json:"partitioning,omitempty" yaml:"partitioning"`
	Partitions   []Partition  `json:"partitions,omitempty" yaml:"partitions"`
}

// QualifiedName returns namespace.name, or name when no namespace is set.
func (e *Entity) QualifiedName() string {
	if e.Namespace == "" {
		return e.Name
	}
	return e.Namespace + "." + e.Name
}

// Column returns the column with the given id.
func (e *Entity) Column(id int64) (Column, bool) {
	for _, c := range e.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnByName returns the column with the given name.
func (e *Entity) ColumnByName(name string) (Column, bool) {
	for _, c := range e.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnIDs returns the ids of every column in declaration order.
func (e *Entity) ColumnIDs() []int64 {
	ids := make([]int64, len(e.Columns))
	for i, c := range e.Columns {
		ids[i] = c.ID
	}
	return ids
}

// IsPrimaryKey reports whether the column is part of the primary key.
func (e *Entity) IsPrimaryKey(columnID int64) bool {
	for _, id := range e.PrimaryKey {
		if id == columnID {
			return true
		}
	}
	return false
}
