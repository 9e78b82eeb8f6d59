package catalog

import (
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
)

// File is the YAML form of a catalog snapshot.
//
//	version: 1
//	adapters:
//	  - {id: 1, name: hsqldb, kind: relational}
//	entities:
//	  - id: 1
//	    name: orders
//	    columns: [{id: 1, name: id}, {id: 2, name: total}]
//	    primary_key: [1]
//	placements:
//	  - {entity: orders, adapter: hsqldb, columns: [id, total]}
//
// A placement entry without columns covers every column; one without
// partitions covers every partition.
type File struct {
	Version    uint64           `yaml:"version"`
	Adapters   []models.Adapter `yaml:"adapters"`
	Entities   []models.Entity  `yaml:"entities"`
	Placements []PlacementEntry `yaml:"placements"`
}

// PlacementEntry declares the placements of some columns and partitions of
// one entity on one adapter.
type PlacementEntry struct {
	Entity     string   `yaml:"entity"`
	Adapter    string   `yaml:"adapter"`
	Columns    []string `yaml:"columns"`
	Partitions []int64  `yaml:"partitions"`
}

// LoadYAML reads a snapshot from a YAML file.
func LoadYAML(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidConfig, "failed to read catalog %s", path)
	}
	return ParseYAML(data)
}

// ParseYAML decodes and validates a snapshot.
func ParseYAML(data []byte) (*Snapshot, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "failed to parse catalog")
	}
	return f.Snapshot()
}

// Snapshot resolves names and expands the placement entries.
func (f *File) Snapshot() (*Snapshot, error) {
	adapters := make(map[string]int64, len(f.Adapters))
	for _, a := range f.Adapters {
		adapters[strings.ToLower(a.Name)] = a.ID
	}
	entities := make(map[string]*models.Entity, len(f.Entities))
	for i := range f.Entities {
		e := &f.Entities[i]
		entities[strings.ToLower(e.Name)] = e
		entities[strings.ToLower(e.QualifiedName())] = e
	}

	var placements []models.Placement
	for _, entry := range f.Placements {
		e, ok := entities[strings.ToLower(entry.Entity)]
		if !ok {
			return nil, errors.Newf(errors.CodeInvalidConfig, "placement references unknown entity %q", entry.Entity)
		}
		adapterID, ok := adapters[strings.ToLower(entry.Adapter)]
		if !ok {
			return nil, errors.Newf(errors.CodeInvalidConfig, "placement references unknown adapter %q", entry.Adapter)
		}

		columns := e.ColumnIDs()
		if len(entry.Columns) > 0 {
			columns = columns[:0:0]
			for _, name := range entry.Columns {
				c, ok := e.ColumnByName(name)
				if !ok {
					return nil, errors.Newf(errors.CodeInvalidConfig, "entity %s has no column %q", e.Name, name)
				}
				columns = append(columns, c.ID)
			}
		}

		partitions := entry.Partitions
		if len(partitions) == 0 {
			for _, p := range e.Partitions {
				partitions = append(partitions, p.ID)
			}
			if len(partitions) == 0 {
				partitions = []int64{DefaultPartitionID}
			}
		}

		for _, part := range partitions {
			for _, col := range columns {
				placements = append(placements, models.Placement{
					EntityID:    e.ID,
					AdapterID:   adapterID,
					ColumnID:    col,
					PartitionID: part,
				})
			}
		}
	}

	return NewSnapshot(f.Version, f.Entities, f.Adapters, placements)
}
