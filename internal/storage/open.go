package storage

import (
	"context"
	"fmt"
	"strings"

	"claimbot/pkg/logx"
)

// Open initializes the configured store and applies its migrations.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
