package registry

import (
	"database/sql"
	"fmt"

	"github.com/nerrad567/powertime-core/internal/infrastructure/config"
)

// OpenStore returns the store selected by cfg.Backend. db is only used by
// the sqlite backend and may be nil otherwise.
func OpenStore(cfg config.RegistryConfig, db *sql.DB) (Store, error) {
	switch cfg.Backend {
	case "", "yaml":
		return NewYAMLStore(cfg.Path), nil
	case "ini":
		return NewINIStore(cfg.Path), nil
	case "sqlite":
		if db == nil {
			return nil, fmt.Errorf("registry: sqlite backend needs an open database")
		}
		return NewSQLiteStore(db), nil
	default:
		return nil, fmt.Errorf("registry: unknown backend %q", cfg.Backend)
	}
}
