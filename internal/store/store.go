// Package store persists the last reported revision of every repository.
package store

import (
	"context"
	"fmt"

	"github.com/drewdunne/commitwatch/internal/config"
)

// Store loads and saves the repository → revision watermark map.
type Store interface {
	// Load returns every persisted watermark. A store that has never been
	// saved returns an empty map.
	Load(ctx context.Context) (map[string]int, error)

	// Save replaces the persisted state with revisions.
	Save(ctx context.Context, revisions map[string]int) error

	// Close releases resources held by the store.
	Close() error
}

// Open returns the store selected by cfg.
func Open(cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFile(cfg.Path), nil
	case "sqlite":
		return OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
	}
}
