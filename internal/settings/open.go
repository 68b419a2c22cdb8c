package settings

import (
	"context"
	"fmt"

	"github.com/rickgao/vmlink/internal/config"
	"github.com/rickgao/vmlink/internal/database"
)

// OpenBackend opens the backend selected by cfg.Driver.
func OpenBackend(ctx context.Context, cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryBackend(), nil
	case "", "buntdb":
		path := cfg.Path
		if path == "" {
			path = config.DefaultStorePath
		}
		return OpenBuntBackend(path)
	case "postgres":
		pool, err := database.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect settings database: %w", err)
		}
		backend, err := NewPostgresBackend(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return backend, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
