// Package appctx carries application-level handles on the context so
// subcommands reach them without package-level globals.
package appctx

import (
	"context"

	"github.com/codelens/codelens/pkg/config"
)

type contextKey string

const configKey contextKey = "appctx.config"

// WithConfig attaches the loaded configuration to the context.
func WithConfig(ctx context.Context, cfg config.Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// ConfigFrom returns the configuration from the context, falling back to
// defaults when none was attached.
func ConfigFrom(ctx context.Context) config.Config {
	if cfg, ok := ctx.Value(configKey).(config.Config); ok {
		return cfg
	}
	return config.DefaultConfig()
}
