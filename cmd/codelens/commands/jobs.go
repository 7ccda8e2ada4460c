package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/codelens/codelens/pkg/analysis"
	"github.com/codelens/codelens/pkg/storage"
)

// NewJobsCommand groups read-only job inspection subcommands that operate
// directly on the storage workspace.
func NewJobsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "jobs",
		Short:   "Inspect stored jobs",
		GroupID: "jobs",
	}
	cmd.AddCommand(newJobsListCommand())
	cmd.AddCommand(newJobsShowCommand())
	cmd.AddCommand(newJobsResultsCommand())
	return cmd
}

func newJobsListCommand() *cobra.Command {
	var (
		status string
		limit  int
		cursor string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.JobFilter{}
			if status != "" {
				filter.Status = analysis.JobStatus(status)
				if !filter.Status.IsValid() {
					return fmt.Errorf("unknown status %q", status)
				}
			}

			backend, err := openBackend(cmd.Context(), configFromCommand(cmd))
			if err != nil {
				return err
			}
			defer backend.Close()

			metas, nextCursor, total, err := backend.Jobs().ListPaginated(
				cmd.Context(), orgFromCommand(cmd), filter, cursor, limit,
			)
			if err != nil {
				return err
			}

			rows := make([]jobRow, 0, len(metas))
			for _, m := range metas {
				rows = append(rows, jobRow{ID: m.ID, Status: m.Status, ItemCount: m.ItemCount, CreatedAt: m.CreatedAt})
			}
			out := cmd.OutOrStdout()
			renderJobTable(out, rows)
			fmt.Fprintf(out, "\n%d of %d jobs\n", len(metas), total)
			if nextCursor != "" {
				fmt.Fprintf(out, "next page: --cursor %s\n", nextCursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by job status")
	cmd.Flags().IntVar(&limit, "limit", 20, "Page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Pagination cursor from the previous page")
	return cmd
}

func newJobsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd.Context(), configFromCommand(cmd))
			if err != nil {
				return err
			}
			defer backend.Close()

			job, err := backend.Jobs().Get(cmd.Context(), orgFromCommand(cmd), args[0])
			if err != nil {
				return err
			}
			renderJobSummary(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func newJobsResultsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "results <job-id>",
		Short: "Print a job's JSONL result stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openBackend(cmd.Context(), configFromCommand(cmd))
			if err != nil {
				return err
			}
			defer backend.Close()

			rc, err := backend.Jobs().ReadResults(cmd.Context(), orgFromCommand(cmd), args[0])
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}
}
