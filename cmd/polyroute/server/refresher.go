package server

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/polyroute/pkg/catalog"
)

// CatalogSource is where a refresher reads snapshots from.
type CatalogSource interface {
	Version(ctx context.Context) (uint64, error)
	Load(ctx context.Context) (*catalog.Snapshot, error)
}

// CatalogRefresher polls a catalog source and publishes newer snapshots to
// a view, which notifies the routing service of changed entities.
type CatalogRefresher struct {
	source   CatalogSource
	view     *catalog.View
	interval time.Duration
	logger   zerolog.Logger
}

// NewCatalogRefresher creates a refresher polling every interval.
func NewCatalogRefresher(source CatalogSource, view *catalog.View, interval time.Duration, logger zerolog.Logger) *CatalogRefresher {
	return &CatalogRefresher{
		source:   source,
		view:     view,
		interval: interval,
		logger:   logger,
	}
}

// Run polls until ctx is done. A non-positive interval disables polling.
func (r *CatalogRefresher) Run(ctx context.Context) {
	if r.interval <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RefreshOnce(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("Catalog refresh failed")
			}
		}
	}
}

// RefreshOnce loads the source when its version is newer than the view's
// and returns the changed entities.
func (r *CatalogRefresher) RefreshOnce(ctx context.Context) ([]int64, error) {
	version, err := r.source.Version(ctx)
	if err != nil {
		return nil, err
	}
	current := r.view.Current().Version()
	if version <= current {
		return nil, nil
	}

	snap, err := r.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	changed, err := r.view.Refresh(snap)
	if err != nil {
		return nil, err
	}
	r.logger.Info().
		Uint64("from", current).
		Uint64("to", snap.Version()).
		Ints64("changed_entities", changed).
		Msg("Catalog refreshed")
	return changed, nil
}

// yamlSource reads snapshots from a catalog YAML file.
type yamlSource struct {
	path string
}

// NewYAMLSource returns a source reading the catalog file at path on every
// poll.
func NewYAMLSource(path string) CatalogSource {
	return yamlSource{path: path}
}

func (s yamlSource) Version(ctx context.Context) (uint64, error) {
	snap, err := catalog.LoadYAML(s.path)
	if err != nil {
		return 0, err
	}
	return snap.Version(), nil
}

func (s yamlSource) Load(ctx context.Context) (*catalog.Snapshot, error) {
	return catalog.LoadYAML(s.path)
}
