package commands

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/codelens/codelens/cmd/codelens/internal/metrics"
	"github.com/codelens/codelens/pkg/analysis"
	"github.com/codelens/codelens/pkg/event"
)

// NewSubmitCommand builds the submit command: run a bulk analysis job
// locally over the given paths.
func NewSubmitCommand() *cobra.Command {
	var (
		language      string
		priority      string
		sequential    bool
		maxConcurrent int
		maxRetries    int
		timeout       time.Duration
		noCache       bool
		cacheTTL      time.Duration
		jsonOut       bool
	)

	cmd := &cobra.Command{
		Use:     "submit [paths...]",
		Short:   "Analyze files and directories as a bulk job",
		GroupID: "jobs",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := buildItems(args, language)
			if err != nil {
				return err
			}

			opts := analysis.Options{
				Parallel:      !sequential,
				MaxConcurrent: maxConcurrent,
				Priority:      analysis.Priority(priority),
				ItemTimeout:   timeout,
				Cache:         analysis.CacheOptions{Enabled: !noCache, TTL: cacheTTL},
			}
			opts.RetryPolicy.MaxRetries = maxRetries
			if cmd.Flags().Changed("max-retries") && maxRetries == 0 {
				opts.RetryPolicy.MaxRetries = -1
			}

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
			job, err := eng.Submit(ctx, org, items, opts)
			if err != nil {
				return err
			}
			log.Info().Str("job_id", job.ID).Int("items", len(job.Items)).Msg("job submitted")

			final, err := followJob(cmd, eng, org, job.ID)
			if err != nil {
				return err
			}

			if jsonOut {
				rc, err := backend.Jobs().ReadResults(ctx, org, final.ID)
				if err != nil {
					return err
				}
				defer rc.Close()
				_, err = io.Copy(cmd.OutOrStdout(), rc)
				return err
			}

			renderJobSummary(cmd.OutOrStdout(), final)
			if final.Status == analysis.JobCompletedWithErrors {
				return fmt.Errorf("job finished with failed items")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&language, "language", "", "Language hint applied to all file items")
	cmd.Flags().StringVar(&priority, "priority", "normal", "Job priority: low, normal, high, urgent")
	cmd.Flags().BoolVar(&sequential, "sequential", false, "Process items one at a time")
	cmd.Flags().IntVar(&maxConcurrent, "max-concurrent", 0, "Max in-flight items for this job")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retries per item after the first attempt (0 disables)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-item analysis timeout")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Disable the content cache")
	cmd.Flags().DurationVar(&cacheTTL, "cache-ttl", 0, "Content cache entry lifetime")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the raw JSONL result stream instead of a summary")

	return cmd
}

// followJob subscribes to the job's progress, renders it live, and
// returns the terminal job.
func followJob(cmd *cobra.Command, eng engineHandle, org, jobID string) (*analysis.Job, error) {
	errOut := cmd.ErrOrStderr()
	ch, cancel, ok := eng.Progress().Subscribe(jobID)
	if !ok {
		return eng.Get(context.Background(), org, jobID)
	}
	defer cancel()

	done := cmd.Context().Done()
	for {
		select {
		case snap, open := <-ch:
			if !open {
				fmt.Fprintln(errOut)
				return eng.Get(context.Background(), org, jobID)
			}
			renderProgressLine(errOut, snap)
		case <-done:
			// Ctrl-C: request cooperative cancellation once and keep
			// following until the engine settles.
			done = nil
			fmt.Fprintln(errOut)
			log.Warn().Str("job_id", jobID).Msg("interrupt received, cancelling job")
			if _, err := eng.Cancel(context.Background(), org, jobID); err != nil {
				log.Error().Err(err).Msg("cancel failed")
			}
		}
	}
}

// buildItems turns CLI path arguments into work items. Files become
// inline file items; directories become directory items listing their
// recognizable source files.
func buildItems(paths []string, language string) ([]*analysis.Item, error) {
	var items []*analysis.Item
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if !info.IsDir() {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", path, err)
			}
			items = append(items, &analysis.Item{
				ID:   path,
				Kind: analysis.KindFile,
				File: &analysis.FileSpec{Path: path, Content: string(data), Language: language},
			})
			continue
		}

		files, err := collectSourceFiles(path)
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("%s: no recognizable source files", path)
		}
		items = append(items, &analysis.Item{
			ID:        path,
			Kind:      analysis.KindDirectory,
			Directory: &analysis.DirectorySpec{Path: path, Files: files},
		})
	}
	return items, nil
}

func collectSourceFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (name == ".git" || name == "node_modules" || name == "vendor") {
				return filepath.SkipDir
			}
			return nil
		}
		if metrics.DetectLanguage(name) == "unknown" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	return files, err
}
