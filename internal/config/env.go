package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// ApplyEnv overlays environment variables onto cfg. Variables win over file
// values so deploys can override secrets and paths without editing the file.
func ApplyEnv(ctx context.Context, cfg *Config) error {
	return envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   cfg,
		Lookuper: envconfig.OsLookuper(),
	})
}
