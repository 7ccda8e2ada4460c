package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/codelens/codelens/pkg/analysis"
)

// LocalBackend implements Backend using file-based storage.
//
// Storage layout:
//
//	{workspace}/
//	  jobs/
//	    {org-id}/
//	      {job-id}/
//	        metadata.json
//	        items.json
//	        results.jsonl
//
// Thread-safety: all mutating operations take a per-job file lock, so
// concurrent item updates within one job serialize at the file while
// different jobs proceed independently.
type LocalBackend struct {
	cfg      *Config
	jobStore *LocalJobStore
	mu       sync.RWMutex
	closed   bool
}

// NewLocalBackend creates a new file-based backend.
func NewLocalBackend(cfg *Config) (*LocalBackend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &LocalBackend{
		cfg: cfg,
		jobStore: &LocalJobStore{
			root: filepath.Join(cfg.WorkspaceRoot, "jobs"),
		},
	}, nil
}

// Initialize prepares the workspace directory structure.
func (b *LocalBackend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	dirs := []string{
		filepath.Join(b.cfg.WorkspaceRoot, "jobs"),
		filepath.Join(b.cfg.WorkspaceRoot, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Close releases resources held by the backend.
func (b *LocalBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Jobs returns the job storage interface.
func (b *LocalBackend) Jobs() JobStore {
	return b.jobStore
}

// LocalJobStore implements JobStore on the filesystem.
type LocalJobStore struct {
	root string // workspace/jobs
}

const (
	metadataFile = "metadata.json"
	itemsFile    = "items.json"
	resultsFile  = "results.jsonl"
)

// ListOrgs returns the ids of all organizations with stored jobs.
func (s *LocalJobStore) ListOrgs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}
	var orgs []string
	for _, entry := range entries {
		if entry.IsDir() {
			orgs = append(orgs, entry.Name())
		}
	}
	return orgs, nil
}

// List returns jobs matching the filter, unsorted beyond directory order.
func (s *LocalJobStore) List(ctx context.Context, orgID string, filter JobFilter) ([]*JobMeta, error) {
	orgDir := filepath.Join(s.root, orgID)
	if _, err := os.Stat(orgDir); os.IsNotExist(err) {
		return []*JobMeta{}, nil
	}

	entries, err := os.ReadDir(orgDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read org directory: %w", err)
	}

	var jobs []*JobMeta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.readMeta(orgID, entry.Name())
		if err != nil {
			// Skip jobs with missing or invalid metadata.
			continue
		}
		if filter.Status != "" && meta.Status != filter.Status {
			continue
		}
		jobs = append(jobs, meta)
	}

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return []*JobMeta{}, nil
		}
		jobs = jobs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// ListPaginated returns a cursor-paginated listing, newest first.
func (s *LocalJobStore) ListPaginated(ctx context.Context, orgID string, filter JobFilter, cursor string, limit int) ([]*JobMeta, string, int, error) {
	limit = normalizeLimit(limit)

	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, "", 0, NewInvalidInputError("cursor", err.Error())
	}

	all, err := s.List(ctx, orgID, JobFilter{Status: filter.Status})
	if err != nil {
		return nil, "", 0, err
	}

	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	start := 0
	if cursorData != nil {
		for i, meta := range all {
			if meta.ID == cursorData.LastJobID {
				start = i + 1
				break
			}
		}
	}

	end := min(start+limit, len(all))
	page := all[start:end]

	var nextCursor string
	if end < len(all) && len(page) > 0 {
		last := page[len(page)-1]
		nextCursor = EncodeCursor(&Cursor{
			LastJobID: last.ID,
			LastTime:  last.CreatedAt.UnixNano(),
		})
	}

	return page, nextCursor, len(all), nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// Get loads a full job, items included.
func (s *LocalJobStore) Get(ctx context.Context, orgID, jobID string) (*analysis.Job, error) {
	lock := s.lock(orgID, jobID)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("failed to acquire read lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	meta, err := s.readMeta(orgID, jobID)
	if err != nil {
		return nil, err
	}
	items, err := s.readItems(orgID, jobID)
	if err != nil {
		return nil, err
	}
	return jobFromParts(meta, items), nil
}

// Create persists a new job and its items.
func (s *LocalJobStore) Create(ctx context.Context, orgID string, job *analysis.Job) error {
	if job.ID == "" {
		return NewInvalidInputError("job.id", "must not be empty")
	}

	jobDir := s.jobDir(orgID, job.ID)
	if _, err := os.Stat(filepath.Join(jobDir, metadataFile)); err == nil {
		return NewAlreadyExistsError("job", job.ID)
	}

	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	lock := s.lock(orgID, job.ID)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	meta := metaFromJob(job)
	meta.UpdatedAt = time.Now().UTC()
	if err := s.writeJSON(filepath.Join(jobDir, metadataFile), meta); err != nil {
		return err
	}
	return s.writeJSON(filepath.Join(jobDir, itemsFile), job.Items)
}

// Update applies a partial update to job-level fields.
func (s *LocalJobStore) Update(ctx context.Context, orgID, jobID string, updates JobUpdates) error {
	lock := s.lock(orgID, jobID)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	meta, err := s.readMeta(orgID, jobID)
	if err != nil {
		return err
	}

	if updates.Status != nil {
		meta.Status = *updates.Status
	}
	if updates.Degraded != nil {
		meta.Degraded = *updates.Degraded
	}
	if updates.StartedAt != nil {
		meta.StartedAt = *updates.StartedAt
	}
	if updates.CompletedAt != nil {
		meta.CompletedAt = *updates.CompletedAt
	}
	meta.UpdatedAt = time.Now().UTC()

	return s.writeJSON(filepath.Join(s.jobDir(orgID, jobID), metadataFile), meta)
}

// UpdateItem persists one item's current state. The job lock serializes
// concurrent item writes, so the read-modify-write below is atomic per
// item.
func (s *LocalJobStore) UpdateItem(ctx context.Context, orgID, jobID string, item *analysis.Item) error {
	lock := s.lock(orgID, jobID)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	items, err := s.readItems(orgID, jobID)
	if err != nil {
		return err
	}

	found := false
	for i, it := range items {
		if it.ID == item.ID {
			items[i] = item
			found = true
			break
		}
	}
	if !found {
		return NewNotFoundError("item", item.ID)
	}

	return s.writeJSON(filepath.Join(s.jobDir(orgID, jobID), itemsFile), items)
}

// Delete removes a job and all its data.
func (s *LocalJobStore) Delete(ctx context.Context, orgID, jobID string) error {
	jobDir := s.jobDir(orgID, jobID)
	if _, err := os.Stat(jobDir); os.IsNotExist(err) {
		return NewNotFoundError("job", jobID)
	}
	if err := os.RemoveAll(jobDir); err != nil {
		return fmt.Errorf("failed to delete job directory: %w", err)
	}
	_ = os.Remove(jobDir + ".lock")
	return nil
}

// AppendResult appends one JSONL line to the job's result stream.
func (s *LocalJobStore) AppendResult(ctx context.Context, orgID, jobID string, line []byte) error {
	jobDir := s.jobDir(orgID, jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	lock := s.lock(orgID, jobID)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire write lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	file, err := os.OpenFile(filepath.Join(jobDir, resultsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open results file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if len(line) == 0 || line[len(line)-1] != '\n' {
		line = append(line, '\n')
	}
	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("failed to append result: %w", err)
	}
	return nil
}

// ReadResults opens the job's result stream.
func (s *LocalJobStore) ReadResults(ctx context.Context, orgID, jobID string) (io.ReadCloser, error) {
	path := filepath.Join(s.jobDir(orgID, jobID), resultsFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, NewNotFoundError("results", jobID)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	return file, nil
}

// Helper methods

func (s *LocalJobStore) jobDir(orgID, jobID string) string {
	return filepath.Join(s.root, orgID, jobID)
}

func (s *LocalJobStore) lock(orgID, jobID string) *flock.Flock {
	return flock.New(s.jobDir(orgID, jobID) + ".lock")
}

func (s *LocalJobStore) readMeta(orgID, jobID string) (*JobMeta, error) {
	path := filepath.Join(s.jobDir(orgID, jobID), metadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFoundError("job", jobID)
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	var meta JobMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &meta, nil
}

func (s *LocalJobStore) readItems(orgID, jobID string) ([]*analysis.Item, error) {
	path := filepath.Join(s.jobDir(orgID, jobID), itemsFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, NewNotFoundError("job items", jobID)
		}
		return nil, fmt.Errorf("failed to read items: %w", err)
	}
	var items []*analysis.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse items: %w", err)
	}
	return items, nil
}

func (s *LocalJobStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
