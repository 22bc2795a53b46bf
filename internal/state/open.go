package state

import (
	"context"
	"fmt"

	"alertbridge/internal/config"
)

// Open creates the store selected by state.backend.
// Params: context for connection checks and state config section.
// Returns: ready store or connection/init error.
func Open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch cfg.Backend {
	case "", config.StateBackendMemory:
		return NewMemoryStore(), nil
	case config.StateBackendNATS:
		return NewNATSStore(cfg.NATS)
	case config.StateBackendSQL:
		return NewSQLStore(ctx, cfg.SQL)
	case config.StateBackendRedis:
		return NewRedisStore(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported state backend %q", cfg.Backend)
	}
}
