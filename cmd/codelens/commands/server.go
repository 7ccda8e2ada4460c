package commands

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/codelens/codelens/pkg/event"
	"github.com/codelens/codelens/pkg/notify"
	"github.com/codelens/codelens/pkg/server/api"
	"github.com/codelens/codelens/pkg/server/app"
)

// NewServerCommand builds the server command: the long-running API server
// with crash recovery and webhook notifications.
func NewServerCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "server",
		Short:   "Run the codelens API server",
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := configFromCommand(cmd)

			backend, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			bus := event.NewManager()
			// Flush in-flight webhook deliveries before the backend goes
			// away.
			defer bus.Wait()

			eng := newEngine(cfg, backend, bus)
			eng.Start(ctx)
			defer eng.Close()

			notifier := notify.New(cfg.Webhook, log.Logger)
			notifier.Register(bus)

			// Jobs interrupted by a previous crash go back to work before
			// the server accepts traffic.
			if err := eng.Recover(ctx); err != nil {
				return err
			}

			deps := &api.Deps{
				Engine:  eng,
				Storage: backend,
				Ready:   &atomic.Bool{},
			}
			srv, err := app.New(ctx, cfg.Server, deps, log.Logger)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
}
