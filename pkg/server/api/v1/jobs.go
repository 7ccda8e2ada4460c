package v1

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/codelens/codelens/pkg/analysis"
	"github.com/codelens/codelens/pkg/server/api"
	"github.com/codelens/codelens/pkg/storage"
)

// The request/response payloads in this file are part of the public API
// contract. Changes must be additive-only: add optional fields with safe
// zero values, never remove or rename existing ones. Breaking changes go
// in a new API version.

// SubmitJobRequest is the POST /api/v1/jobs body.
type SubmitJobRequest struct {
	Items   []ItemRequest  `json:"items"`
	Options OptionsRequest `json:"options"`
}

// ItemRequest describes one work item to analyze.
type ItemRequest struct {
	ID         string                   `json:"id"`
	Kind       string                   `json:"kind"`
	File       *analysis.FileSpec       `json:"file,omitempty"`
	Repository *analysis.RepositorySpec `json:"repository,omitempty"`
	Directory  *analysis.DirectorySpec  `json:"directory,omitempty"`
	DependsOn  []string                 `json:"depends_on,omitempty"`
}

// OptionsRequest carries per-job execution options. Durations use explicit
// units in field names; absent fields fall back to server defaults.
type OptionsRequest struct {
	Parallel           *bool  `json:"parallel,omitempty"`
	MaxConcurrent      int    `json:"max_concurrent,omitempty"`
	Priority           string `json:"priority,omitempty"`
	MaxRetries         *int   `json:"max_retries,omitempty"`
	BackoffBaseMs      int64  `json:"backoff_base_ms,omitempty"`
	CacheEnabled       bool   `json:"cache_enabled,omitempty"`
	CacheTTLSeconds    int64  `json:"cache_ttl_seconds,omitempty"`
	ItemTimeoutSeconds int64  `json:"item_timeout_seconds,omitempty"`
}

func (r OptionsRequest) toOptions() analysis.Options {
	opts := analysis.Options{
		Parallel:      true,
		MaxConcurrent: r.MaxConcurrent,
		Priority:      analysis.Priority(r.Priority),
		Cache: analysis.CacheOptions{
			Enabled: r.CacheEnabled,
			TTL:     time.Duration(r.CacheTTLSeconds) * time.Second,
		},
		ItemTimeout: time.Duration(r.ItemTimeoutSeconds) * time.Second,
	}
	if r.Parallel != nil {
		opts.Parallel = *r.Parallel
	}
	if r.MaxRetries != nil {
		opts.RetryPolicy.MaxRetries = *r.MaxRetries
		if *r.MaxRetries == 0 {
			// Explicit zero means no retries, which the model encodes
			// as a negative value (zero is "use default").
			opts.RetryPolicy.MaxRetries = -1
		}
	}
	opts.RetryPolicy.BackoffBase = time.Duration(r.BackoffBaseMs) * time.Millisecond
	return opts
}

func (r ItemRequest) toItem() *analysis.Item {
	return &analysis.Item{
		ID:         r.ID,
		Kind:       analysis.ItemKind(r.Kind),
		File:       r.File,
		Repository: r.Repository,
		Directory:  r.Directory,
		DependsOn:  r.DependsOn,
	}
}

// ItemResponse is the per-item view embedded in job responses.
type ItemResponse struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Status      string            `json:"status"`
	SkipReason  string            `json:"skip_reason,omitempty"`
	Attempt     int               `json:"attempt,omitempty"`
	CacheHit    bool              `json:"cache_hit,omitempty"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Failure     *analysis.Failure `json:"failure,omitempty"`
	StartedAt   string            `json:"started_at,omitempty"`
	CompletedAt string            `json:"completed_at,omitempty"`
}

// JobResponse is the full job view.
type JobResponse struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Degraded    bool           `json:"degraded,omitempty"`
	ItemCount   int            `json:"item_count"`
	Items       []ItemResponse `json:"items"`
	CreatedAt   string         `json:"created_at"`
	StartedAt   string         `json:"started_at,omitempty"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

// JobSummary is the listing view: metadata without items.
type JobSummary struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	ItemCount int    `json:"item_count"`
	Degraded  bool   `json:"degraded,omitempty"`
	CreatedAt string `json:"created_at"`
}

func jobResponse(job *analysis.Job) JobResponse {
	resp := JobResponse{
		ID:        job.ID,
		Status:    string(job.Status),
		Degraded:  job.Degraded,
		ItemCount: len(job.Items),
		Items:     make([]ItemResponse, 0, len(job.Items)),
		CreatedAt: formatTime(job.CreatedAt),
	}
	if !job.StartedAt.IsZero() {
		resp.StartedAt = formatTime(job.StartedAt)
	}
	if !job.CompletedAt.IsZero() {
		resp.CompletedAt = formatTime(job.CompletedAt)
	}
	for _, it := range job.Items {
		ir := ItemResponse{
			ID:          it.ID,
			Kind:        string(it.Kind),
			Status:      string(it.Status),
			SkipReason:  string(it.SkipReason),
			Attempt:     it.Attempt,
			CacheHit:    it.CacheHit,
			Fingerprint: it.Fingerprint,
			DependsOn:   it.DependsOn,
			Failure:     it.Failure,
		}
		if !it.StartedAt.IsZero() {
			ir.StartedAt = formatTime(it.StartedAt)
		}
		if !it.CompletedAt.IsZero() {
			ir.CompletedAt = formatTime(it.CompletedAt)
		}
		resp.Items = append(resp.Items, ir)
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// SubmitJobHandler handles POST /api/v1/jobs.
//
// Accepts a batch of work items plus execution options, validates and
// admits the job, and returns 202 with the scheduled job. Validation
// failures return 400; plan-limit rejections return 422.
func SubmitJobHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "INVALID_BODY", err.Error())
			return
		}

		items := make([]*analysis.Item, 0, len(req.Items))
		for _, ir := range req.Items {
			items = append(items, ir.toItem())
		}

		job, err := deps.Engine.Submit(r.Context(), api.OrgID(r), items, req.Options.toOptions())
		if err != nil {
			api.WriteError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, jobResponse(job))
	}
}

// ListJobsQuery holds the parsed GET /api/v1/jobs query parameters.
type ListJobsQuery struct {
	Status analysis.JobStatus
	Cursor string
	Limit  int
}

// ParseListJobsQuery validates status/limit/cursor query parameters.
func ParseListJobsQuery(r *http.Request) (ListJobsQuery, error) {
	q := ListJobsQuery{Cursor: r.URL.Query().Get("cursor")}

	if status := r.URL.Query().Get("status"); status != "" {
		q.Status = analysis.JobStatus(status)
		if !q.Status.IsValid() {
			return q, fmt.Errorf("unknown status %q", status)
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			return q, fmt.Errorf("limit must be a positive integer")
		}
		q.Limit = limit
	}
	return q, nil
}

// ListJobsHandler handles GET /api/v1/jobs.
//
// Returns cursor-paginated job metadata, newest first:
//
//	{
//	  "jobs": [{"id": "...", "status": "processing", "item_count": 12, ...}],
//	  "next_cursor": "eyJ...",
//	  "total": 42
//	}
func ListJobsHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query, err := ParseListJobsQuery(r)
		if err != nil {
			api.WriteJSONError(w, http.StatusBadRequest, "Bad Request", "INVALID_QUERY", err.Error())
			return
		}

		metas, nextCursor, total, err := deps.Storage.Jobs().ListPaginated(
			r.Context(), api.OrgID(r), storage.JobFilter{Status: query.Status}, query.Cursor, query.Limit,
		)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}

		summaries := make([]JobSummary, 0, len(metas))
		for _, m := range metas {
			summaries = append(summaries, JobSummary{
				ID:        m.ID,
				Status:    string(m.Status),
				ItemCount: m.ItemCount,
				Degraded:  m.Degraded,
				CreatedAt: formatTime(m.CreatedAt),
			})
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"jobs":        summaries,
			"next_cursor": nextCursor,
			"total":       total,
		})
	}
}

// GetJobHandler handles GET /api/v1/jobs/{id}: the full job with items,
// preferring live engine state over the store.
func GetJobHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		job, err := deps.Engine.Get(r.Context(), api.OrgID(r), id)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusOK, jobResponse(job))
	}
}

// CancelJobHandler handles DELETE /api/v1/jobs/{id}: cooperative
// cancellation. In-flight items finish; queued items are skipped.
func CancelJobHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		job, err := deps.Engine.Cancel(r.Context(), api.OrgID(r), id)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, jobResponse(job))
	}
}

// ResumeJobHandler handles POST /api/v1/jobs/{id}/resume.
//
// Query parameter retry_failed=true additionally returns failed items to
// pending with a fresh attempt budget.
func ResumeJobHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		retryFailed := r.URL.Query().Get("retry_failed") == "true"

		job, err := deps.Engine.Resume(r.Context(), api.OrgID(r), id, retryFailed)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}
		api.WriteJSON(w, http.StatusAccepted, jobResponse(job))
	}
}

// ItemResultResponse is one entry of the results listing.
type ItemResultResponse struct {
	ItemID     string            `json:"item_id"`
	Status     string            `json:"status"`
	CacheHit   bool              `json:"cache_hit,omitempty"`
	Result     json.RawMessage   `json:"result,omitempty"`
	Failure    *analysis.Failure `json:"failure,omitempty"`
	SkipReason string            `json:"skip_reason,omitempty"`
}

// JobResultsHandler handles GET /api/v1/jobs/{id}/results.
//
// Successful and failed items come back as separate arrays so callers can
// act on either subset directly. Skipped items count as failed outcomes.
// include_failed=false suppresses the failed array's entries.
func JobResultsHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		includeFailed := r.URL.Query().Get("include_failed") != "false"

		job, err := deps.Engine.Get(r.Context(), api.OrgID(r), id)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}

		successful := make([]ItemResultResponse, 0, len(job.Items))
		failed := make([]ItemResultResponse, 0)
		for _, it := range job.Items {
			switch it.Status {
			case analysis.ItemCompleted:
				successful = append(successful, ItemResultResponse{
					ItemID:   it.ID,
					Status:   string(it.Status),
					CacheHit: it.CacheHit,
					Result:   it.Result,
				})
			case analysis.ItemFailed, analysis.ItemSkipped:
				if includeFailed {
					failed = append(failed, ItemResultResponse{
						ItemID:     it.ID,
						Status:     string(it.Status),
						Failure:    it.Failure,
						SkipReason: string(it.SkipReason),
					})
				}
			}
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{
			"job_id":     job.ID,
			"status":     string(job.Status),
			"successful": successful,
			"failed":     failed,
		})
	}
}

// JobResultStreamHandler handles GET /api/v1/jobs/{id}/results/stream:
// the raw JSONL result stream as stored, suitable for piping.
func JobResultStreamHandler(deps *api.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		rc, err := deps.Storage.Jobs().ReadResults(r.Context(), api.OrgID(r), id)
		if err != nil {
			api.WriteError(w, r, err)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", "application/x-ndjson")
		bw := bufio.NewWriter(w)
		defer bw.Flush()
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			bw.Write(scanner.Bytes())
			bw.WriteByte('\n')
		}
	}
}
