// Package analysis defines the core data model for bulk analysis jobs:
// jobs, work items, options, failure classification and content
// fingerprinting. The engine (pkg/engine) operates on these types; the
// storage layer (pkg/storage) persists them.
package analysis

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a bulk job. Transitions are forward
// only; a terminal job is never resurrected in place — Resume opens a new
// processing phase over the remaining non-terminal items.
type JobStatus string

const (
	JobPending             JobStatus = "pending"
	JobProcessing          JobStatus = "processing"
	JobCompleted           JobStatus = "completed"
	JobCompletedWithErrors JobStatus = "completed_with_errors"
	JobCancelled           JobStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transition occurs.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobCompletedWithErrors || s == JobCancelled
}

// IsValid checks if the JobStatus is a known value.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobCompletedWithErrors, JobCancelled:
		return true
	default:
		return false
	}
}

func (s JobStatus) String() string { return string(s) }

// Job is a bulk analysis job: an ordered set of work items plus the
// options governing their execution. Item insertion order is significant
// (it seeds default processing priority), completion order is not.
type Job struct {
	ID      string  `json:"id"`
	OrgID   string  `json:"org_id"`
	Items   []*Item `json:"items"`
	Options Options `json:"options"`

	Status JobStatus `json:"status"`

	// Degraded is set when a store write for one of the job's items
	// exhausted its backoff. The outcome is retained in memory and
	// re-persisted with the item's next successful write.
	Degraded bool `json:"degraded,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}

// NewJob creates a pending job with a fresh id and defaulted options.
// Callers validate with Validate before submission.
func NewJob(orgID string, items []*Item, opts Options) *Job {
	opts.ApplyDefaults()
	return &Job{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		Items:     items,
		Options:   opts,
		Status:    JobPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Clone returns a deep copy safe to hand outside the engine while workers
// keep mutating the original.
func (j *Job) Clone() *Job {
	out := *j
	out.Items = make([]*Item, len(j.Items))
	for i, it := range j.Items {
		cp := *it
		cp.DependsOn = append([]string(nil), it.DependsOn...)
		out.Items[i] = &cp
	}
	return &out
}

// Item returns the work item with the given id, or nil.
func (j *Job) Item(id string) *Item {
	for _, it := range j.Items {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// Terminal reports whether every item has reached a terminal status.
func (j *Job) Terminal() bool {
	for _, it := range j.Items {
		if !it.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// FinalStatus derives the terminal job status from item outcomes.
// Any failed item yields completed_with_errors.
func (j *Job) FinalStatus() JobStatus {
	for _, it := range j.Items {
		if it.Status == ItemFailed {
			return JobCompletedWithErrors
		}
	}
	return JobCompleted
}
