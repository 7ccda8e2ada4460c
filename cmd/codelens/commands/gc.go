package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codelens/codelens/pkg/storage"
)

// NewGCCommand builds the gc command: delete stored jobs that violate the
// retention policy.
func NewGCCommand() *cobra.Command {
	var (
		dryRun     bool
		maxAgeDays int
		maxJobs    int
		orgOnly    string
	)

	cmd := &cobra.Command{
		Use:     "gc",
		Short:   "Delete stored jobs per the retention policy",
		GroupID: "core",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFromCommand(cmd)
			backend, err := openBackend(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer backend.Close()

			opts := storage.GCOptions{DryRun: dryRun, OrgID: orgOnly}
			if maxAgeDays > 0 || maxJobs > 0 {
				opts.Retention = &storage.RetentionConfig{MaxAgeDays: maxAgeDays, MaxJobs: maxJobs}
			}

			result, err := backend.GarbageCollect(cmd.Context(), opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			verb := "deleted"
			if dryRun {
				verb = "would delete"
			}
			fmt.Fprintf(out, "%s %d jobs\n", verb, result.JobsDeleted)
			for _, id := range result.DeletedJobIDs {
				fmt.Fprintf(out, "  %s\n", id)
			}
			for _, gcErr := range result.Errors {
				fmt.Fprintf(out, "error: %v\n", gcErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report deletions without performing them")
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 0, "Override: delete jobs older than this many days")
	cmd.Flags().IntVar(&maxJobs, "max-jobs", 0, "Override: keep at most this many jobs per org")
	cmd.Flags().StringVar(&orgOnly, "gc-org", "", "Limit cleanup to one organization")
	return cmd
}
