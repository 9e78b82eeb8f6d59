// Package duckdb provides DuckDB-specific repository implementations.
package duckdb

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/rs/zerolog"

	"github.com/TFMV/polyroute/pkg/catalog"
	"github.com/TFMV/polyroute/pkg/errors"
	"github.com/TFMV/polyroute/pkg/models"
	"github.com/TFMV/polyroute/pkg/repositories"
)

// Config represents the catalog database configuration.
type Config struct {
	DSN                string        `json:"dsn"`
	MaxOpenConnections int           `json:"max_open_connections"`
	MaxIdleConnections int           `json:"max_idle_connections"`
	ConnMaxLifetime    time.Duration `json:"conn_max_lifetime"`
	ConnectionTimeout  time.Duration `json:"connection_timeout"`
	MotherDuckToken    string        `json:"-"`
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS catalog_meta (
	key VARCHAR PRIMARY KEY,
	value BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS catalog_adapters (
	id BIGINT PRIMARY KEY,
	name VARCHAR NOT NULL,
	kind VARCHAR
);
CREATE TABLE IF NOT EXISTS catalog_entities (
	id BIGINT PRIMARY KEY,
	name VARCHAR NOT NULL,
	namespace VARCHAR,
	model VARCHAR,
	partitioning VARCHAR
);
CREATE TABLE IF NOT EXISTS catalog_columns (
	entity_id BIGINT NOT NULL,
	id BIGINT NOT NULL,
	name VARCHAR NOT NULL,
	data_type VARCHAR,
	pk_position INTEGER,
	PRIMARY KEY (entity_id, id)
);
CREATE TABLE IF NOT EXISTS catalog_partitions (
	entity_id BIGINT NOT NULL,
	id BIGINT NOT NULL,
	name VARCHAR,
	PRIMARY KEY (entity_id, id)
);
CREATE TABLE IF NOT EXISTS catalog_placements (
	entity_id BIGINT NOT NULL,
	adapter_id BIGINT NOT NULL,
	column_id BIGINT NOT NULL,
	partition_id BIGINT NOT NULL,
	PRIMARY KEY (entity_id, adapter_id, column_id, partition_id)
);
`

// catalogRepository implements repositories.CatalogRepository for DuckDB.
type catalogRepository struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewCatalogRepository opens the catalog database.
func NewCatalogRepository(cfg Config, logger zerolog.Logger) (repositories.CatalogRepository, error) {
	if cfg.DSN == "" {
		cfg.DSN = ":memory:"
	}
	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = 4
	}
	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = 2
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}

	logger.Info().
		Str("dsn", redactDSN(cfg.DSN)).
		Int("max_open", cfg.MaxOpenConnections).
		Msg("Opening DuckDB catalog")

	dsn := withMotherDuckToken(normalizeMotherDuckDSN(cfg.DSN), cfg.MotherDuckToken)
	if dsn == ":memory:" {
		dsn = ""
	}
	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to open catalog database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, errors.CodeInternal, "catalog database is unreachable")
	}

	return &catalogRepository{db: db, logger: logger}, nil
}

// EnsureSchema creates the catalog tables.
func (r *catalogRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaDDL); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to create catalog schema")
	}
	return nil
}

// Version returns the persisted catalog version, 0 when never saved.
func (r *catalogRepository) Version(ctx context.Context) (uint64, error) {
	var v int64
	err := r.db.QueryRowContext(ctx, `SELECT value FROM catalog_meta WHERE key = 'version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeInternal, "failed to read catalog version")
	}
	return uint64(v), nil
}

// Load reads every table and builds a validated snapshot.
func (r *catalogRepository) Load(ctx context.Context) (*catalog.Snapshot, error) {
	start := time.Now()

	version, err := r.Version(ctx)
	if err != nil {
		return nil, err
	}
	adapters, err := r.loadAdapters(ctx)
	if err != nil {
		return nil, err
	}
	entities, err := r.loadEntities(ctx)
	if err != nil {
		return nil, err
	}
	placements, err := r.loadPlacements(ctx)
	if err != nil {
		return nil, err
	}

	snapshot, err := catalog.NewSnapshot(version, entities, adapters, placements)
	if err != nil {
		return nil, err
	}

	r.logger.Debug().
		Uint64("version", version).
		Int("adapters", len(adapters)).
		Int("entities", len(entities)).
		Int("placements", len(placements)).
		Dur("duration", time.Since(start)).
		Msg("Loaded catalog snapshot")
	return snapshot, nil
}

func (r *catalogRepository) loadAdapters(ctx context.Context) ([]models.Adapter, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, COALESCE(kind, '') FROM catalog_adapters ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to query adapters")
	}
	defer rows.Close()

	var out []models.Adapter
	for rows.Next() {
		var a models.Adapter
		if err := rows.Scan(&a.ID, &a.Name, &a.Kind); err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to scan adapter")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *catalogRepository) loadEntities(ctx context.Context) ([]models.Entity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(namespace, ''), COALESCE(model, ''), COALESCE(partitioning, '')
		FROM catalog_entities ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to query entities")
	}
	defer rows.Close()

	var entities []models.Entity
	index := make(map[int64]int)
	for rows.Next() {
		var (
			e            models.Entity
			model, parts string
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.Namespace, &model, &parts); err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to scan entity")
		}
		e.Model = models.DataModel(model)
		e.Partitioning = models.Partitioning(parts)
		index[e.ID] = len(entities)
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to read entities")
	}

	colRows, err := r.db.QueryContext(ctx, `
		SELECT entity_id, id, name, COALESCE(data_type, ''), COALESCE(pk_position, 0)
		FROM catalog_columns ORDER BY entity_id, id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to query columns")
	}
	defer colRows.Close()

	pks := make(map[int64]map[int32]int64)
	for colRows.Next() {
		var (
			entityID int64
			c        models.Column
			pkPos    int32
		)
		if err := colRows.Scan(&entityID, &c.ID, &c.Name, &c.DataType, &pkPos); err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to scan column")
		}
		i, ok := index[entityID]
		if !ok {
			return nil, errors.Newf(errors.CodeInvalidConfig, "column %d references unknown entity %d", c.ID, entityID)
		}
		entities[i].Columns = append(entities[i].Columns, c)
		if pkPos > 0 {
			if pks[entityID] == nil {
				pks[entityID] = make(map[int32]int64)
			}
			pks[entityID][pkPos] = c.ID
		}
	}
	if err := colRows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to read columns")
	}
	for entityID, positions := range pks {
		i := index[entityID]
		for pos := int32(1); pos <= int32(len(positions)); pos++ {
			if id, ok := positions[pos]; ok {
				entities[i].PrimaryKey = append(entities[i].PrimaryKey, id)
			}
		}
	}

	partRows, err := r.db.QueryContext(ctx, `
		SELECT entity_id, id, COALESCE(name, '') FROM catalog_partitions ORDER BY entity_id, id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to query partitions")
	}
	defer partRows.Close()

	for partRows.Next() {
		var (
			entityID int64
			p        models.Partition
		)
		if err := partRows.Scan(&entityID, &p.ID, &p.Name); err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to scan partition")
		}
		i, ok := index[entityID]
		if !ok {
			return nil, errors.Newf(errors.CodeInvalidConfig, "partition %d references unknown entity %d", p.ID, entityID)
		}
		entities[i].Partitions = append(entities[i].Partitions, p)
	}
	return entities, partRows.Err()
}

func (r *catalogRepository) loadPlacements(ctx context.Context) ([]models.Placement, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT entity_id, adapter_id, column_id, partition_id
		FROM catalog_placements ORDER BY entity_id, partition_id, adapter_id, column_id`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to query placements")
	}
	defer rows.Close()

	var out []models.Placement
	for rows.Next() {
		var p models.Placement
		if err := rows.Scan(&p.EntityID, &p.AdapterID, &p.ColumnID, &p.PartitionID); err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "failed to scan placement")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Save replaces every catalog table inside one transaction.
func (r *catalogRepository) Save(ctx context.Context, snapshot *catalog.Snapshot) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to begin catalog transaction")
	}
	defer tx.Rollback()

	for _, table := range []string{"catalog_placements", "catalog_partitions", "catalog_columns", "catalog_entities", "catalog_adapters"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return errors.Wrapf(err, errors.CodeInternal, "failed to clear %s", table)
		}
	}

	for _, a := range snapshot.Adapters() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_adapters (id, name, kind) VALUES (?, ?, ?)`,
			a.ID, a.Name, a.Kind); err != nil {
			return errors.Wrap(err, errors.CodeInternal, "failed to insert adapter")
		}
	}

	for _, e := range snapshot.Entities() {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO catalog_entities (id, name, namespace, model, partitioning) VALUES (?, ?, ?, ?, ?)`,
			e.ID, e.Name, e.Namespace, string(e.Model), string(e.Partitioning)); err != nil {
			return errors.Wrap(err, errors.CodeInternal, "failed to insert entity")
		}
		for _, c := range e.Columns {
			pkPos := 0
			for i, id := range e.PrimaryKey {
				if id == c.ID {
					pkPos = i + 1
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO catalog_columns (entity_id, id, name, data_type, pk_position) VALUES (?, ?, ?, ?, ?)`,
				e.ID, c.ID, c.Name, c.DataType, pkPos); err != nil {
				return errors.Wrap(err, errors.CodeInternal, "failed to insert column")
			}
		}
		for _, p := range e.Partitions {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO catalog_partitions (entity_id, id, name) VALUES (?, ?, ?)`,
				e.ID, p.ID, p.Name); err != nil {
				return errors.Wrap(err, errors.CodeInternal, "failed to insert partition")
			}
		}
		for _, p := range snapshot.PlacementsOf(e.ID) {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO catalog_placements (entity_id, adapter_id, column_id, partition_id) VALUES (?, ?, ?, ?)`,
				p.EntityID, p.AdapterID, p.ColumnID, p.PartitionID); err != nil {
				return errors.Wrap(err, errors.CodeInternal, "failed to insert placement")
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM catalog_meta WHERE key = 'version'`); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to clear catalog version")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO catalog_meta (key, value) VALUES ('version', ?)`, int64(snapshot.Version())); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to write catalog version")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "failed to commit catalog")
	}

	r.logger.Info().Uint64("version", snapshot.Version()).Msg("Saved catalog snapshot")
	return nil
}

// Close closes the database.
func (r *catalogRepository) Close() error {
	return r.db.Close()
}
