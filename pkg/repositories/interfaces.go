// Package repositories defines interfaces for data access operations.
package repositories

import (
	"context"

	"github.com/TFMV/polyroute/pkg/catalog"
)

// CatalogRepository reads and writes persisted placement metadata.
type CatalogRepository interface {
	// EnsureSchema creates the catalog tables if they do not exist.
	EnsureSchema(ctx context.Context) error
	// Load reads the current catalog snapshot.
	Load(ctx context.Context) (*catalog.Snapshot, error)
	// Save replaces the persisted catalog with the snapshot.
	Save(ctx context.Context, snapshot *catalog.Snapshot) error
	// Version returns the persisted catalog version.
	Version(ctx context.Context) (uint64, error)
	// Close releases the underlying database.
	Close() error
}
