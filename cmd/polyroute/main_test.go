package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	arrowmem "github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/polyroute/cmd/polyroute/config"
	"github.com/TFMV/polyroute/pkg/cache"
	"github.com/TFMV/polyroute/pkg/catalog/catalogtest"
	"github.com/TFMV/polyroute/pkg/infrastructure/metrics"
	"github.com/TFMV/polyroute/pkg/models"
	"github.com/TFMV/polyroute/pkg/repositories/duckdb"
	"github.com/TFMV/polyroute/pkg/services"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

const ordersQuery = `
plan:
  kind: SCAN
  entity_id: 1
  columns: [1, 2]
`

func TestRouteCommand(t *testing.T) {
	dir := t.TempDir()
	catalogPath := writeFile(t, dir, "catalog.yaml", catalogtest.YAML)
	queryPath := writeFile(t, dir, "query.yaml", ordersQuery)

	out, err := execute(t, "route", "--catalog", catalogPath, "--query", queryPath, "--log-level", "error")
	require.NoError(t, err)

	var decision models.RoutingDecision
	require.NoError(t, json.Unmarshal([]byte(out), &decision))
	require.NotNil(t, decision.Plan)
	assert.Equal(t, "full-placement", decision.Plan.Router)
	assert.NotEmpty(t, decision.ClassID)
	assert.Empty(t, decision.Candidates)
}

func TestRouteCommand_JSONQueryWithStatistics(t *testing.T) {
	dir := t.TempDir()
	catalogPath := writeFile(t, dir, "catalog.yaml", catalogtest.YAML)
	statsPath := writeFile(t, dir, "stats.yaml", `
row_counts:
  - {entity: 2, partition: 10, rows: 100}
  - {entity: 2, partition: 11, rows: 300}
`)
	queryPath := writeFile(t, dir, "query.json", `{"plan": {"kind": "SCAN", "entity_id": 2, "columns": [1, 2]}}`)

	out, err := execute(t, "explain", "--catalog", catalogPath, "--stats", statsPath, "--query", queryPath, "--log-level", "error")
	require.NoError(t, err)

	var decision models.RoutingDecision
	require.NoError(t, json.Unmarshal([]byte(out), &decision))
	require.Len(t, decision.Candidates, 1)
	require.NotNil(t, decision.Plan.StaticCost)
	assert.Equal(t, 400.0, decision.Plan.StaticCost.Rows)
}

func TestExplainCommand(t *testing.T) {
	dir := t.TempDir()
	catalogPath := writeFile(t, dir, "catalog.yaml", catalogtest.YAML)
	queryPath := writeFile(t, dir, "query.yaml", ordersQuery)

	out, err := execute(t, "explain", "--catalog", catalogPath, "--query", queryPath)
	require.NoError(t, err)

	var decision models.RoutingDecision
	require.NoError(t, json.Unmarshal([]byte(out), &decision))
	assert.Len(t, decision.Candidates, 2)
}

func TestRouteCommand_Errors(t *testing.T) {
	dir := t.TempDir()
	catalogPath := writeFile(t, dir, "catalog.yaml", catalogtest.YAML)

	t.Run("query flag is required", func(t *testing.T) {
		_, err := execute(t, "route", "--catalog", catalogPath)
		assert.ErrorContains(t, err, "query")
	})

	t.Run("catalog is required", func(t *testing.T) {
		queryPath := writeFile(t, dir, "query.yaml", ordersQuery)
		_, err := execute(t, "route", "--query", queryPath)
		assert.ErrorContains(t, err, "catalog.path or catalog.dsn is required")
	})

	t.Run("query without plan", func(t *testing.T) {
		queryPath := writeFile(t, dir, "empty.yaml", "explain: true\n")
		_, err := execute(t, "route", "--catalog", catalogPath, "--query", queryPath)
		assert.ErrorContains(t, err, "has no plan")
	})

	t.Run("unknown entity", func(t *testing.T) {
		queryPath := writeFile(t, dir, "unknown.yaml", "plan: {kind: SCAN, entity_id: 99, columns: [1]}\n")
		_, err := execute(t, "route", "--catalog", catalogPath, "--query", queryPath, "--log-level", "error")
		assert.Error(t, err)
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:    dev")
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	configPath := writeFile(t, dir, "polyroute.yaml", `
catalog:
  path: /from/file.yaml
admin:
  address: 127.0.0.1:1
routing:
  pre_post_cost_ratio: 0.3
`)
	cmd := newRootCmd()
	serve, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	require.NoError(t, serve.ParseFlags([]string{"--config", configPath, "--admin-address", "127.0.0.1:2"}))

	v, cfg, err := loadConfig(serve)
	require.NoError(t, err)
	assert.Equal(t, configPath, v.ConfigFileUsed())
	assert.Equal(t, "/from/file.yaml", cfg.Catalog.Path)
	assert.Equal(t, "127.0.0.1:2", cfg.Admin.Address)
	assert.Equal(t, 0.3, cfg.Routing.PrePostCostRatio)
}

func TestReloadRouting(t *testing.T) {
	dir := t.TempDir()
	catalogPath := writeFile(t, dir, "catalog.yaml", catalogtest.YAML)
	configPath := writeFile(t, dir, "polyroute.yaml", "catalog: {path: "+catalogPath+"}\n")

	v, err := config.New(configPath)
	require.NoError(t, err)
	cfg, err := config.Load(v)
	require.NoError(t, err)

	rt, err := newRouter(t.Context(), cfg, zerolog.Nop(), metrics.NewNoOpCollector())
	require.NoError(t, err)
	defer rt.Close()

	require.NoError(t, os.WriteFile(configPath, []byte("catalog: {path: "+catalogPath+"}\nrouting: {pre_post_cost_ratio: 0.8, selection_strategy: PERCENTAGE}\n"), 0o600))
	require.NoError(t, v.ReadInConfig())
	reloadRouting(v, rt.service, zerolog.Nop(), configPath)
	assert.Equal(t, 0.8, rt.service.Options().PrePostCostRatio)
	assert.Equal(t, services.SelectionPercentage, rt.service.Options().Selection)

	// invalid options keep the active ones
	require.NoError(t, os.WriteFile(configPath, []byte("catalog: {path: "+catalogPath+"}\nrouting: {routers: [nope]}\n"), 0o600))
	require.NoError(t, v.ReadInConfig())
	reloadRouting(v, rt.service, zerolog.Nop(), configPath)
	assert.Equal(t, 0.8, rt.service.Options().PrePostCostRatio)
	assert.Equal(t, services.DefaultRoutingOptions().Routers, rt.service.Options().Routers)
}

func TestNewRouter_InvalidNodeID(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Catalog.Path = writeFile(t, t.TempDir(), "catalog.yaml", catalogtest.YAML)
	cfg.NodeID = "not-a-uuid"
	_, err := newRouter(t.Context(), cfg, zerolog.Nop(), metrics.NewNoOpCollector())
	assert.ErrorContains(t, err, "invalid node_id")
}

func TestNewRouter_DuckDBCatalog(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "catalog.db")
	repo, err := duckdb.NewCatalogRepository(duckdb.Config{DSN: dsn}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.EnsureSchema(t.Context()))
	require.NoError(t, repo.Save(t.Context(), catalogtest.Snapshot(t)))
	require.NoError(t, repo.Close())

	cfg := config.DefaultConfig()
	cfg.Catalog.DSN = dsn
	rt, err := newRouter(t.Context(), cfg, zerolog.Nop(), metrics.NewNoOpCollector())
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, uint64(1), rt.view.Current().Version())
	decision, err := rt.service.Route(t.Context(), models.Scan(catalogtest.Users, []int64{catalogtest.ColID, catalogtest.ColEmail}), nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{catalogtest.AdapterC}, decision.Plan.Adapters())
}

func TestWarmCache(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Catalog.Path = writeFile(t, dir, "catalog.yaml", catalogtest.YAML)

	rt, err := newRouter(t.Context(), cfg, zerolog.Nop(), metrics.NewNoOpCollector())
	require.NoError(t, err)
	_, err = rt.service.Route(t.Context(), models.Scan(catalogtest.Orders, []int64{catalogtest.ColID}), nil)
	require.NoError(t, err)

	exportPath := filepath.Join(dir, "plans.arrow")
	f, err := os.Create(exportPath)
	require.NoError(t, err)
	require.NoError(t, rt.service.ExportCache(f))
	require.NoError(t, f.Close())

	fresh := cache.NewShardedPlanCache(nil)
	require.NoError(t, warmCache(exportPath, fresh, zerolog.Nop()))
	assert.Equal(t, 1, fresh.Len())

	assert.Error(t, warmCache(filepath.Join(dir, "missing.arrow"), fresh, zerolog.Nop()))
}

func TestWarmCacheSkipsCorruptPlans(t *testing.T) {
	schema := models.GetPlanCacheSchema()
	b := array.NewRecordBuilder(arrowmem.DefaultAllocator, schema)
	defer b.Release()
	for _, scan := range []int32{-1, 0} {
		b.Field(0).(*array.StringBuilder).Append(fmt.Sprintf("class-%d", scan))
		b.Field(1).(*array.StringBuilder).Append("simple")
		b.Field(2).(*array.Uint64Builder).Append(1)
		b.Field(3).(*array.Int32Builder).Append(scan)
		for i := 4; i < 8; i++ {
			b.Field(i).(*array.Int64Builder).Append(1)
		}
	}
	rec := b.NewRecord()
	defer rec.Release()

	path := filepath.Join(t.TempDir(), "plans.arrow")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := ipc.NewWriter(f, ipc.WithSchema(schema))
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())

	var logs bytes.Buffer
	c := cache.NewShardedPlanCache(nil)
	require.NoError(t, warmCache(path, c, zerolog.New(&logs)))
	assert.Equal(t, 1, c.Len())
	assert.Contains(t, logs.String(), "Skipped corrupt cached plans")
}

func TestRegisterGauges(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Catalog.Path = writeFile(t, t.TempDir(), "catalog.yaml", catalogtest.YAML)
	collector := metrics.NewPrometheusCollector()

	rt, err := newRouter(t.Context(), cfg, zerolog.Nop(), collector)
	require.NoError(t, err)
	require.NoError(t, registerGauges(collector, rt))
	// registering twice collides
	assert.Error(t, registerGauges(collector, rt))

	families, err := collector.Registry().Gather()
	require.NoError(t, err)
	var names []string
	for _, mf := range families {
		names = append(names, mf.GetName())
	}
	assert.Contains(t, names, "polyroute_plan_cache_size")
	assert.Contains(t, names, "polyroute_catalog_version")
	assert.Contains(t, names, "polyroute_plan_cache_arrow_peak_bytes")
}

func TestLoggerAdapter(t *testing.T) {
	var buf bytes.Buffer
	l := &loggerAdapter{logger: zerolog.New(&buf)}

	l.Info("Routed statement",
		"router", "simple",
		"candidates", 2,
		"adapters", []int64{1, 2},
		"elapsed", 5*time.Millisecond,
		"error", errors.New("boom"),
		"dangling")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Routed statement", entry["message"])
	assert.Equal(t, "simple", entry["router"])
	assert.Equal(t, float64(2), entry["candidates"])
	assert.Equal(t, []interface{}{float64(1), float64(2)}, entry["adapters"])
	assert.Equal(t, "boom", entry["error"])
	assert.NotContains(t, entry, "dangling")
}

func TestLoggerAdapter_DisabledLevel(t *testing.T) {
	var buf bytes.Buffer
	l := &loggerAdapter{logger: zerolog.New(&buf).Level(zerolog.InfoLevel)}
	l.Debug("hidden", "key", "value")
	assert.Empty(t, buf.String())
}

func TestSetupLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogging("warn", &buf)
	logger.Info().Msg("dropped")
	logger.Warn().Msg("kept")
	assert.False(t, strings.Contains(buf.String(), "dropped"))
	assert.Contains(t, buf.String(), `"service":"polyroute"`)

	assert.Equal(t, zerolog.InfoLevel, setupLogging("loud", &buf).GetLevel())
}
