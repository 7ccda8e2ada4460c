package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFactory builds the backend used when no explicit backend is
// configured. LocalBackend registers itself here; alternative backends can
// replace it at init time.
var DefaultFactory = func(ctx context.Context, cfg *Config) (Backend, error) {
	return NewLocalBackend(cfg)
}

// DefaultConfig returns a config rooted in the user's home workspace
// (~/.codelens), with retention disabled.
func DefaultConfig() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	return &Config{
		WorkspaceRoot: filepath.Join(home, ".codelens"),
	}, nil
}

type contextKey string

const configKey contextKey = "storage.config"

// WithConfig stores the storage config on the context for downstream
// commands.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// ConfigFromContext retrieves the storage config, or nil when storage is
// disabled for the run.
func ConfigFromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(configKey).(*Config)
	return cfg
}

// Open builds and initializes the default backend for the config.
func Open(ctx context.Context, cfg *Config) (Backend, error) {
	backend, err := DefaultFactory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := backend.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	return backend, nil
}
