package models

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Field names of the persisted plan cache representation.
const (
	FieldQueryClassID = "query_class_id"
	FieldRouter       = "router"
	FieldScan         = "scan"
	FieldEntityID     = "entity_id"
	FieldPartitionID  = "partition_id"
	FieldAdapterID    = "adapter_id"
	FieldColumnID     = "column_id"
	FieldSnapshot     = "snapshot_version"
)

// GetPlanCacheSchema returns the Arrow schema of exported plan cache
// entries: one row per placement tuple of a cached plan.
func GetPlanCacheSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: FieldQueryClassID, Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: FieldRouter, Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: FieldSnapshot, Type: arrow.PrimitiveTypes.Uint64, Nullable: false},
		{Name: FieldScan, Type: arrow.PrimitiveTypes.Int32, Nullable: false},
		{Name: FieldEntityID, Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: FieldPartitionID, Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: FieldAdapterID, Type: arrow.PrimitiveTypes.Int64, Nullable: false},
		{Name: FieldColumnID, Type: arrow.PrimitiveTypes.Int64, Nullable: false},
	}, nil)
}

// GetCandidatesSchema returns the Arrow schema of explain output: one row per
// scored candidate.
func GetCandidatesSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: FieldQueryClassID, Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: FieldRouter, Type: arrow.BinaryTypes.String, Nullable: false},
		{Name: "adapters", Type: arrow.ListOf(arrow.PrimitiveTypes.Int64), Nullable: false},
		{Name: "static_cost", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "learned_cost", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
		{Name: "effective_cost", Type: arrow.PrimitiveTypes.Float64, Nullable: false},
	}, nil)
}
