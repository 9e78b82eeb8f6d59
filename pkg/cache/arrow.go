package cache

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	trackedmem "github.com/TFMV/polyroute/pkg/infrastructure/memory"
	"github.com/TFMV/polyroute/pkg/models"
)

// WriteArrow writes the persisted representation of the plans to w as an
// Arrow IPC stream, one row per placement tuple.
func WriteArrow(w io.Writer, plans []*models.CachedRoutingPlan, alloc memory.Allocator) error {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	schema := models.GetPlanCacheSchema()

	builder := array.NewRecordBuilder(alloc, schema)
	defer builder.Release()

	qcid := builder.Field(0).(*array.StringBuilder)
	router := builder.Field(1).(*array.StringBuilder)
	snapshot := builder.Field(2).(*array.Uint64Builder)
	scan := builder.Field(3).(*array.Int32Builder)
	entity := builder.Field(4).(*array.Int64Builder)
	partition := builder.Field(5).(*array.Int64Builder)
	adapter := builder.Field(6).(*array.Int64Builder)
	column := builder.Field(7).(*array.Int64Builder)

	for _, p := range plans {
		for _, t := range p.Tuples() {
			qcid.Append(p.QueryClassID)
			router.Append(p.Router)
			snapshot.Append(p.SnapshotVersion)
			scan.Append(int32(t.Scan))
			entity.Append(t.EntityID)
			partition.Append(t.PartitionID)
			adapter.Append(t.AdapterID)
			column.Append(t.ColumnID)
		}
	}

	rec := builder.NewRecord()
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(alloc))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write plan cache record: %w", err)
	}
	return writer.Close()
}

// CorruptPlansError lists the plans of a stream that could not be rebuilt.
// ReadArrow and Import return it together with the plans that could.
type CorruptPlansError struct {
	Causes []error
}

func (e *CorruptPlansError) Error() string {
	return fmt.Sprintf("skipped %d corrupt cached plans: %v", len(e.Causes), errors.Join(e.Causes...))
}

// ReadArrow reads plans written by WriteArrow. Plans whose tuples do not
// rebuild are skipped and reported in a *CorruptPlansError.
func ReadArrow(r io.Reader, alloc memory.Allocator) ([]*models.CachedRoutingPlan, error) {
	if alloc == nil {
		alloc = memory.DefaultAllocator
	}
	reader, err := ipc.NewReader(r, ipc.WithAllocator(alloc))
	if err != nil {
		return nil, fmt.Errorf("failed to open plan cache stream: %w", err)
	}
	defer reader.Release()

	if !reader.Schema().Equal(models.GetPlanCacheSchema()) {
		return nil, fmt.Errorf("unexpected plan cache schema: %s", reader.Schema())
	}

	type group struct {
		router   string
		snapshot uint64
		tuples   []models.PlacementTuple
	}
	var order []string
	groups := make(map[string]*group)

	for reader.Next() {
		rec := reader.Record()
		cols := recordColumns(rec)
		for i := 0; i < int(rec.NumRows()); i++ {
			key := cols.qcid.Value(i)
			g, ok := groups[key]
			if !ok {
				g = &group{router: cols.router.Value(i), snapshot: cols.snapshot.Value(i)}
				groups[key] = g
				order = append(order, key)
			}
			g.tuples = append(g.tuples, models.PlacementTuple{
				Scan:        int(cols.scan.Value(i)),
				EntityID:    cols.entity.Value(i),
				PartitionID: cols.partition.Value(i),
				AdapterID:   cols.adapter.Value(i),
				ColumnID:    cols.column.Value(i),
			})
		}
	}
	if err := reader.Err(); err != nil {
		return nil, fmt.Errorf("failed to read plan cache stream: %w", err)
	}

	out := make([]*models.CachedRoutingPlan, 0, len(order))
	var corrupt []error
	for _, key := range order {
		g := groups[key]
		plan, err := models.CachedFromTuples(key, g.router, g.tuples)
		if err != nil {
			corrupt = append(corrupt, err)
			continue
		}
		plan.SnapshotVersion = g.snapshot
		out = append(out, plan)
	}
	if len(corrupt) > 0 {
		return out, &CorruptPlansError{Causes: corrupt}
	}
	return out, nil
}

type planColumns struct {
	qcid      *array.String
	router    *array.String
	snapshot  *array.Uint64
	scan      *array.Int32
	entity    *array.Int64
	partition *array.Int64
	adapter   *array.Int64
	column    *array.Int64
}

func recordColumns(rec arrow.Record) planColumns {
	return planColumns{
		qcid:      rec.Column(0).(*array.String),
		router:    rec.Column(1).(*array.String),
		snapshot:  rec.Column(2).(*array.Uint64),
		scan:      rec.Column(3).(*array.Int32),
		entity:    rec.Column(4).(*array.Int64),
		partition: rec.Column(5).(*array.Int64),
		adapter:   rec.Column(6).(*array.Int64),
		column:    rec.Column(7).(*array.Int64),
	}
}

// Export writes every entry of the cache using the shared tracked allocator.
func Export(w io.Writer, c PlanCache) error {
	return WriteArrow(w, c.Entries(), trackedmem.Shared())
}

// Import loads plans into the cache and returns how many were stored. A
// *CorruptPlansError is returned alongside the plans that were stored.
func Import(r io.Reader, c PlanCache) (int, error) {
	plans, err := ReadArrow(r, trackedmem.Shared())
	var corrupt *CorruptPlansError
	if err != nil && !errors.As(err, &corrupt) {
		return 0, err
	}
	for _, p := range plans {
		c.Put(p.QueryClassID, p)
	}
	return len(plans), err
}
