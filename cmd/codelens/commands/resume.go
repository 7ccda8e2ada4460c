package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/codelens/codelens/pkg/analysis"
	"github.com/codelens/codelens/pkg/event"
)

// NewResumeCommand builds the resume command: re-run a stored job's
// skipped (and optionally failed) items locally.
func NewResumeCommand() *cobra.Command {
	var retryFailed bool

	cmd := &cobra.Command{
		Use:     "resume <job-id>",
		Short:   "Resume a terminal job's remaining items",
		GroupID: "jobs",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobID := args[0]
			ctx := cmd.Context()
			cfg := configFromCommand(cmd)

			backend, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			eng := newEngine(cfg, backend, event.NewManager())
			eng.Start(ctx)
			defer eng.Close()

			org := orgFromCommand(cmd)
			job, err := eng.Resume(ctx, org, jobID, retryFailed)
			if err != nil {
				return err
			}
			log.Info().Str("job_id", job.ID).Msg("job resumed")

			final, err := followJob(cmd, eng, org, jobID)
			if err != nil {
				return err
			}
			renderJobSummary(cmd.OutOrStdout(), final)
			if final.Status == analysis.JobCompletedWithErrors {
				return fmt.Errorf("job finished with failed items")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "Also retry failed items with a fresh attempt budget")
	return cmd
}
