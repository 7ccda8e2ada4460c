// Package storage provides the durable job store for the bulk analysis
// engine.
//
// The storage package defines the Backend interface that abstracts storage
// operations. The default LocalBackend uses file-based storage (JSON
// metadata + JSONL result streams) under a workspace directory; the
// interface leaves room for database-backed implementations without
// touching engine code.
package storage

import (
	"context"
	"io"

	"github.com/codelens/codelens/pkg/analysis"
)

// Backend is the main storage abstraction interface.
//
// Thread-safety: all methods must be safe for concurrent use.
type Backend interface {
	// Initialize prepares the backend for use (creates directories,
	// runs migrations, ...).
	Initialize(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error

	// Jobs returns the job storage interface. All job and item
	// persistence goes through it.
	Jobs() JobStore

	// GarbageCollect removes jobs violating the retention policy
	// (older than MaxAgeDays, or exceeding MaxJobs — oldest first).
	GarbageCollect(ctx context.Context, opts GCOptions) (*GCResult, error)
}

// JobStore manages job metadata, item state and result streams.
//
// Writes to the same item are expected to be serialized by the caller (the
// scheduler guarantees one worker per item); writes to different items of
// the same job may happen concurrently and must remain safe.
type JobStore interface {
	// ListOrgs returns the ids of all organizations with stored jobs.
	ListOrgs(ctx context.Context) ([]string, error)

	// List returns jobs matching the filter.
	List(ctx context.Context, orgID string, filter JobFilter) ([]*JobMeta, error)

	// ListPaginated returns a cursor-paginated job listing, newest first.
	// The cursor is opaque; pass the returned nextCursor back unchanged.
	ListPaginated(ctx context.Context, orgID string, filter JobFilter, cursor string, limit int) (jobs []*JobMeta, nextCursor string, total int, err error)

	// Get loads a full job, items included.
	// Returns a NotFoundError if the job does not exist.
	Get(ctx context.Context, orgID, jobID string) (*analysis.Job, error)

	// Create persists a new job and all its items.
	// Returns an AlreadyExistsError on id collision.
	Create(ctx context.Context, orgID string, job *analysis.Job) error

	// Update applies a partial update to job-level fields.
	Update(ctx context.Context, orgID, jobID string, updates JobUpdates) error

	// UpdateItem persists the current state of a single item. The write
	// is atomic with respect to concurrent UpdateItem calls for other
	// items of the same job.
	UpdateItem(ctx context.Context, orgID, jobID string, item *analysis.Item) error

	// Delete removes a job and all associated data. Destructive.
	Delete(ctx context.Context, orgID, jobID string) error

	// AppendResult appends one JSONL-encoded item outcome to the job's
	// result stream. Safe for concurrent use.
	AppendResult(ctx context.Context, orgID, jobID string, line []byte) error

	// ReadResults opens the job's result stream for reading. The caller
	// closes the returned reader.
	ReadResults(ctx context.Context, orgID, jobID string) (io.ReadCloser, error)
}
