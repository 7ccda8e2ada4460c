package storage

import (
	"time"

	"github.com/codelens/codelens/pkg/analysis"
)

// JobMeta is the job-level record persisted to metadata.json. Items live in
// a separate file so per-item updates do not rewrite job metadata.
type JobMeta struct {
	ID    string `json:"id"`
	OrgID string `json:"org_id"`

	Options analysis.Options   `json:"options"`
	Status  analysis.JobStatus `json:"status"`

	// ItemCount is denormalized for listings; the authoritative item set
	// is items.json.
	ItemCount int `json:"item_count"`

	Degraded bool `json:"degraded,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// JobUpdates specifies job-level fields to update.
//
// Only non-nil fields are applied (partial update); pointers distinguish
// the zero value from "not set".
type JobUpdates struct {
	Status      *analysis.JobStatus `json:"status,omitempty"`
	Degraded    *bool               `json:"degraded,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// JobFilter specifies criteria for filtering job listings.
type JobFilter struct {
	// Status filters by job status (empty = all statuses).
	Status analysis.JobStatus

	// Limit is the maximum number of results (0 = no limit).
	Limit int

	// Offset is the number of results to skip.
	Offset int
}

// RetentionConfig bounds how long and how many jobs are kept.
type RetentionConfig struct {
	// MaxAgeDays deletes jobs created more than this many days ago.
	// 0 disables age-based retention.
	MaxAgeDays int `koanf:"max_age_days" json:"max_age_days"`

	// MaxJobs caps the number of retained jobs per org, oldest deleted
	// first. 0 disables the cap.
	MaxJobs int `koanf:"max_jobs" json:"max_jobs"`
}

// IsEnabled reports whether any retention rule is active.
func (r RetentionConfig) IsEnabled() bool {
	return r.MaxAgeDays > 0 || r.MaxJobs > 0
}

// Config configures a storage backend.
type Config struct {
	// WorkspaceRoot is the root directory for file-based storage.
	WorkspaceRoot string `koanf:"workspace_root"`

	Retention RetentionConfig `koanf:"retention"`
}

// Validate checks the config for required fields.
func (c *Config) Validate() error {
	if c.WorkspaceRoot == "" {
		return NewInvalidInputError("workspace_root", "must not be empty")
	}
	return nil
}

// metaFromJob projects a job onto its persisted metadata record.
func metaFromJob(job *analysis.Job) *JobMeta {
	return &JobMeta{
		ID:          job.ID,
		OrgID:       job.OrgID,
		Options:     job.Options,
		Status:      job.Status,
		ItemCount:   len(job.Items),
		Degraded:    job.Degraded,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}
}

// jobFromParts reassembles a full job from its persisted pieces.
func jobFromParts(meta *JobMeta, items []*analysis.Item) *analysis.Job {
	return &analysis.Job{
		ID:          meta.ID,
		OrgID:       meta.OrgID,
		Items:       items,
		Options:     meta.Options,
		Status:      meta.Status,
		Degraded:    meta.Degraded,
		CreatedAt:   meta.CreatedAt,
		StartedAt:   meta.StartedAt,
		CompletedAt: meta.CompletedAt,
	}
}
