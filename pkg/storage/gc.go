package storage

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"
)

// GCOptions defines options for garbage collection.
type GCOptions struct {
	// DryRun reports what would be deleted without deleting.
	DryRun bool

	// OrgID limits cleanup to one organization; empty processes all.
	OrgID string

	// Retention overrides the backend's configured retention policy.
	Retention *RetentionConfig
}

// GCResult contains the results of a garbage collection run.
type GCResult struct {
	JobsDeleted   int
	DeletedJobIDs []string

	// Errors from individual deletions; GC continues past them.
	Errors []error
}

// GarbageCollect deletes jobs violating the retention policy: jobs older
// than MaxAgeDays, then the oldest jobs beyond MaxJobs.
func (b *LocalBackend) GarbageCollect(ctx context.Context, opts GCOptions) (*GCResult, error) {
	retention := b.cfg.Retention
	if opts.Retention != nil {
		retention = *opts.Retention
	}

	if !retention.IsEnabled() {
		return &GCResult{}, nil
	}

	result := &GCResult{
		DeletedJobIDs: make([]string, 0),
		Errors:        make([]error, 0),
	}

	orgs := []string{opts.OrgID}
	if opts.OrgID == "" {
		all, err := b.jobStore.ListOrgs(ctx)
		if err != nil {
			return result, fmt.Errorf("list orgs: %w", err)
		}
		orgs = all
	}

	for _, orgID := range orgs {
		if err := b.gcOrganization(ctx, orgID, retention, opts.DryRun, result); err != nil {
			return result, fmt.Errorf("gc org %s: %w", orgID, err)
		}
	}
	return result, nil
}

func (b *LocalBackend) gcOrganization(ctx context.Context, orgID string, retention RetentionConfig, dryRun bool, result *GCResult) error {
	jobs, err := b.Jobs().List(ctx, orgID, JobFilter{})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	// Oldest first.
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	toDelete := make([]string, 0)

	if retention.MaxAgeDays > 0 {
		cutoff := time.Now().AddDate(0, 0, -retention.MaxAgeDays)
		for _, job := range jobs {
			if job.CreatedAt.Before(cutoff) {
				toDelete = append(toDelete, job.ID)
			}
		}
	}

	if retention.MaxJobs > 0 {
		remaining := make([]*JobMeta, 0, len(jobs))
		for _, job := range jobs {
			if !slices.Contains(toDelete, job.ID) {
				remaining = append(remaining, job)
			}
		}
		if len(remaining) > retention.MaxJobs {
			for i := range len(remaining) - retention.MaxJobs {
				toDelete = append(toDelete, remaining[i].ID)
			}
		}
	}

	for _, jobID := range toDelete {
		if dryRun {
			result.DeletedJobIDs = append(result.DeletedJobIDs, jobID)
			result.JobsDeleted++
			continue
		}
		if err := b.Jobs().Delete(ctx, orgID, jobID); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("delete job %s: %w", jobID, err))
		} else {
			result.DeletedJobIDs = append(result.DeletedJobIDs, jobID)
			result.JobsDeleted++
		}
	}
	return nil
}
