package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/codelens/codelens/cmd/codelens/internal/metrics"
	"github.com/codelens/codelens/pkg/analysis"
	"github.com/codelens/codelens/pkg/appctx"
	"github.com/codelens/codelens/pkg/cache"
	"github.com/codelens/codelens/pkg/config"
	"github.com/codelens/codelens/pkg/engine"
	"github.com/codelens/codelens/pkg/event"
	"github.com/codelens/codelens/pkg/storage"
)

// openBackend opens and initializes the configured storage backend.
// Callers own Close.
func openBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	storageCfg := cfg.Storage
	backend, err := storage.Open(ctx, &storageCfg)
	if err != nil {
		return nil, fmt.Errorf("open storage at %s: %w", storageCfg.WorkspaceRoot, err)
	}
	log.Debug().Str("storage_root", storageCfg.WorkspaceRoot).Msg("storage ready")
	return backend, nil
}

// newEngine assembles an engine over the backend with the built-in
// metrics analyzer. Callers own Start/Close.
func newEngine(cfg config.Config, backend storage.Backend, bus *event.Manager) *engine.Engine {
	return engine.New(
		cfg.Engine,
		metrics.New(),
		backend.Jobs(),
		cache.NewMemory(1024),
		bus,
		nil,
		log.Logger,
	)
}

func configFromCommand(cmd *cobra.Command) config.Config {
	return appctx.ConfigFrom(cmd.Context())
}

// engineHandle is the slice of the engine the follow/render path needs,
// kept narrow so command tests can stub it.
type engineHandle interface {
	Progress() *engine.Progress
	Get(ctx context.Context, orgID, jobID string) (*analysis.Job, error)
	Cancel(ctx context.Context, orgID, jobID string) (*analysis.Job, error)
}
