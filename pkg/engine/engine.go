// pkg/engine/engine.go
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/codelens/codelens/pkg/analysis"
	"github.com/codelens/codelens/pkg/cache"
	"github.com/codelens/codelens/pkg/event"
	"github.com/codelens/codelens/pkg/storage"
)

// Event topics published on the engine's event bus.
const (
	TopicStarted   = "bulk_analysis.started"
	TopicProgress  = "bulk_analysis.progress"
	TopicCompleted = "bulk_analysis.completed"
	TopicFailed    = "bulk_analysis.failed"
)

// Config holds the engine's runtime tuning knobs.
type Config struct {
	Workers       int           `koanf:"workers"`
	QueueCapacity int           `koanf:"queue_capacity"`
	MaxRetryDelay time.Duration `koanf:"max_retry_delay"`
	Limiter       LimiterConfig `koanf:"limiter"`
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	c.Limiter.ApplyDefaults()
}

// resultLine is one JSONL record in a job's result stream.
type resultLine struct {
	ItemID      string          `json:"item_id"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	CacheHit    bool            `json:"cache_hit,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
	Result      json.RawMessage `json:"result"`
}

// runningJob is the in-memory state for a job the engine currently owns.
// Workers mutate their own items; the mutex guards item writes against the
// finalization scan and reads through Get.
type runningJob struct {
	mu        sync.Mutex
	job       *analysis.Job
	cancelled bool
	finalized bool
}

// Engine executes bulk analysis jobs: it admits and persists them, feeds
// their items through the shared work queue, and drives a fixed worker
// pool that applies caching, rate limiting and retries around the
// configured Analyzer.
type Engine struct {
	cfg       Config
	analyzer  analysis.Analyzer
	admission analysis.AdmissionPolicy
	store     storage.JobStore
	cache     cache.Store
	queue     *Queue
	limiter   *Limiter
	retrier   *Retrier
	progress  *Progress
	bus       *event.Manager
	flights   singleflight.Group
	logger    zerolog.Logger

	mu      sync.Mutex
	running map[string]*runningJob

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles an engine. The cache store may be nil to disable caching
// entirely; the admission policy may be nil for no plan limits. Cache
// failures never fail items: the store is wrapped fail-open.
func New(cfg Config, analyzer analysis.Analyzer, store storage.JobStore, cacheStore cache.Store, bus *event.Manager, admission analysis.AdmissionPolicy, logger zerolog.Logger) *Engine {
	cfg.ApplyDefaults()
	if admission == nil {
		admission = analysis.UnlimitedAdmission{}
	}
	if cacheStore != nil {
		cacheStore = cache.NewFailOpen(cacheStore)
	}
	return &Engine{
		cfg:       cfg,
		analyzer:  analyzer,
		admission: admission,
		store:     store,
		cache:     cacheStore,
		queue:     NewQueue(cfg.QueueCapacity),
		limiter:   NewLimiter(cfg.Limiter),
		retrier:   NewRetrier(cfg.MaxRetryDelay, logger),
		progress:  NewProgress(),
		bus:       bus,
		logger:    logger.With().Str("component", "engine").Logger(),
		running:   make(map[string]*runningJob),
		baseCtx:   context.Background(),
	}
}

// Start launches the worker pool. Call once.
func (e *Engine) Start(ctx context.Context) {
	e.baseCtx, e.stop = context.WithCancel(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.workerLoop(i)
	}
	e.logger.Info().Int("workers", e.cfg.Workers).Msg("engine started")
}

// Close stops accepting work, waits for in-flight items to finish, and
// flushes pending event handlers.
func (e *Engine) Close() {
	if e.stop != nil {
		e.stop()
	}
	e.queue.Close()
	e.wg.Wait()
	if e.bus != nil {
		e.bus.Wait()
	}
	e.logger.Info().Msg("engine stopped")
}

// Progress exposes the tracker for read-side consumers (API, CLI).
func (e *Engine) Progress() *Progress { return e.progress }

// Submit validates, admits and persists a new job, then schedules it.
// Validation failures and plan-limit rejections surface before anything is
// stored.
func (e *Engine) Submit(ctx context.Context, orgID string, items []*analysis.Item, opts analysis.Options) (*analysis.Job, error) {
	job := analysis.NewJob(orgID, items, opts)
	if err := analysis.Validate(job); err != nil {
		return nil, storage.NewInvalidInputError("job", err.Error())
	}

	maxConcurrent, err := e.admission.Admit(job)
	if err != nil {
		return nil, err
	}
	if maxConcurrent > 0 && job.Options.MaxConcurrent > maxConcurrent {
		job.Options.MaxConcurrent = maxConcurrent
	}

	for _, it := range job.Items {
		fp, err := analysis.Fingerprint(it)
		if err != nil {
			return nil, storage.NewInvalidInputError("item", fmt.Sprintf("%s: %v", it.ID, err))
		}
		it.Fingerprint = fp
		it.Status = analysis.ItemPending
	}

	if err := e.store.Create(ctx, orgID, job); err != nil {
		return nil, err
	}

	e.schedule(job)
	return e.Get(ctx, orgID, job.ID)
}

// schedule transitions a persisted job to processing and hands its items
// to the queue. AddJob can block on queue capacity, so it runs off the
// caller's goroutine.
func (e *Engine) schedule(job *analysis.Job) {
	now := time.Now().UTC()
	job.Status = analysis.JobProcessing
	job.StartedAt = now

	rj := &runningJob{job: job}
	e.mu.Lock()
	e.running[job.ID] = rj
	e.mu.Unlock()

	e.progress.Track(job)
	e.persistJob(job, storage.JobUpdates{Status: &job.Status, StartedAt: &now})
	e.publish(TopicStarted, job.ID)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.queue.AddJob(job); err != nil {
			e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to enqueue job")
		}
	}()
}

// Get returns the job, preferring live in-memory state over the store.
func (e *Engine) Get(ctx context.Context, orgID, jobID string) (*analysis.Job, error) {
	e.mu.Lock()
	rj := e.running[jobID]
	e.mu.Unlock()
	if rj != nil && rj.job.OrgID == orgID {
		rj.mu.Lock()
		defer rj.mu.Unlock()
		return rj.job.Clone(), nil
	}
	return e.store.Get(ctx, orgID, jobID)
}

// Cancel requests cooperative cancellation: queued items are skipped,
// in-flight items run to completion. Terminal jobs cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, orgID, jobID string) (*analysis.Job, error) {
	e.mu.Lock()
	rj := e.running[jobID]
	e.mu.Unlock()

	if rj == nil || rj.job.OrgID != orgID {
		job, err := e.store.Get(ctx, orgID, jobID)
		if err != nil {
			return nil, err
		}
		return nil, storage.NewInvalidInputError("job", fmt.Sprintf("%s is %s and cannot be cancelled", jobID, job.Status))
	}

	rj.mu.Lock()
	rj.cancelled = true
	rj.mu.Unlock()

	e.queue.CancelJob(jobID)
	e.logger.Info().Str("job_id", jobID).Msg("cancellation requested")
	return e.Get(ctx, orgID, jobID)
}

// Resume re-activates a terminal job: skipped items always return to
// pending; failed items return to pending only when retryFailed is set,
// with their attempt counter reset.
func (e *Engine) Resume(ctx context.Context, orgID, jobID string, retryFailed bool) (*analysis.Job, error) {
	e.mu.Lock()
	_, active := e.running[jobID]
	e.mu.Unlock()
	if active {
		return nil, storage.NewInvalidInputError("job", fmt.Sprintf("%s is still active", jobID))
	}

	job, err := e.store.Get(ctx, orgID, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return nil, storage.NewInvalidInputError("job", fmt.Sprintf("%s is %s and cannot be resumed", jobID, job.Status))
	}

	reset := 0
	for _, it := range job.Items {
		switch it.Status {
		case analysis.ItemSkipped:
			it.Status = analysis.ItemPending
			it.SkipReason = ""
			it.Failure = nil
			it.StartedAt, it.CompletedAt = time.Time{}, time.Time{}
			reset++
		case analysis.ItemFailed:
			if retryFailed {
				it.Status = analysis.ItemPending
				it.Failure = nil
				it.Attempt = 0
				it.StartedAt, it.CompletedAt = time.Time{}, time.Time{}
				reset++
			}
		}
	}
	if reset == 0 {
		return nil, storage.NewInvalidInputError("job", fmt.Sprintf("%s has no items eligible for resume", jobID))
	}

	job.CompletedAt = time.Time{}
	for _, it := range job.Items {
		if err := e.store.UpdateItem(ctx, orgID, jobID, it); err != nil {
			return nil, err
		}
	}

	e.schedule(job)
	return e.Get(ctx, orgID, jobID)
}

// Recover re-activates jobs that were mid-flight when the process died.
// Items stuck in running are reset to pending and re-run from scratch;
// completed items keep their results.
func (e *Engine) Recover(ctx context.Context) error {
	orgs, err := e.store.ListOrgs(ctx)
	if err != nil {
		return fmt.Errorf("listing orgs: %w", err)
	}

	for _, orgID := range orgs {
		metas, err := e.store.List(ctx, orgID, storage.JobFilter{Status: analysis.JobProcessing})
		if err != nil {
			e.logger.Error().Err(err).Str("org_id", orgID).Msg("recovery: failed to list jobs")
			continue
		}
		for _, meta := range metas {
			job, err := e.store.Get(ctx, orgID, meta.ID)
			if err != nil {
				e.logger.Error().Err(err).Str("job_id", meta.ID).Msg("recovery: failed to load job")
				continue
			}
			for _, it := range job.Items {
				if it.Status == analysis.ItemRunning {
					it.Status = analysis.ItemPending
					it.StartedAt = time.Time{}
					if err := e.store.UpdateItem(ctx, orgID, job.ID, it); err != nil {
						e.logger.Error().Err(err).Str("job_id", job.ID).Str("item_id", it.ID).Msg("recovery: failed to reset item")
					}
				}
			}
			e.logger.Info().Str("job_id", job.ID).Msg("recovering interrupted job")
			e.schedule(job)
		}
	}
	return nil
}

// workerLoop pulls tasks until the queue closes or the engine stops.
func (e *Engine) workerLoop(id int) {
	defer e.wg.Done()
	logger := e.logger.With().Int("worker", id).Logger()
	for {
		task, err := e.queue.Dequeue(e.baseCtx)
		if err != nil {
			return
		}
		e.processTask(logger, task)
	}
}

func (e *Engine) processTask(logger zerolog.Logger, task *Task) {
	e.mu.Lock()
	rj := e.running[task.JobID]
	e.mu.Unlock()
	if rj == nil {
		e.queue.Done(task, task.Item.Status)
		return
	}

	if task.Skip {
		e.skipItem(rj, task)
	} else {
		e.runItem(logger, rj, task)
	}

	rj.mu.Lock()
	status := task.Item.Status
	rj.mu.Unlock()
	e.queue.Done(task, status)
	e.publish(TopicProgress, task.JobID)
	e.maybeFinalize(rj)
}

func (e *Engine) skipItem(rj *runningJob, task *Task) {
	now := time.Now().UTC()
	rj.mu.Lock()
	task.Item.Status = analysis.ItemSkipped
	task.Item.SkipReason = task.SkipReason
	task.Item.CompletedAt = now
	rj.mu.Unlock()

	e.persistItem(rj, task.Item)
	e.progress.ItemTransition(task.JobID, analysis.ItemPending, analysis.ItemSkipped, 0, false)
}

func (e *Engine) runItem(logger zerolog.Logger, rj *runningJob, task *Task) {
	item := task.Item
	started := time.Now().UTC()

	rj.mu.Lock()
	item.Status = analysis.ItemRunning
	item.StartedAt = started
	rj.mu.Unlock()
	e.persistItem(rj, item)
	e.progress.ItemTransition(task.JobID, analysis.ItemPending, analysis.ItemRunning, 0, false)

	result, attempts, cacheHit, failure := e.analyze(task)

	now := time.Now().UTC()
	rj.mu.Lock()
	item.Attempt = attempts
	item.CompletedAt = now
	item.CacheHit = cacheHit
	if failure != nil {
		item.Status = analysis.ItemFailed
		item.Failure = failure
	} else {
		item.Status = analysis.ItemCompleted
		item.Result = result
	}
	status := item.Status
	rj.mu.Unlock()

	if failure != nil {
		logger.Warn().
			Str("job_id", task.JobID).
			Str("item_id", item.ID).
			Str("code", string(failure.Code)).
			Int("attempts", attempts).
			Msg("item failed")
	}

	e.persistItem(rj, item)
	if status == analysis.ItemCompleted {
		e.appendResult(rj, item)
	}
	e.progress.ItemTransition(task.JobID, analysis.ItemRunning, status, now.Sub(started), cacheHit)
}

// flightOutcome carries a coalesced analyzer call's result between the
// leader and any followers sharing its fingerprint.
type flightOutcome struct {
	result   json.RawMessage
	attempts int
	cached   bool
	failure  *analysis.Failure
}

// analyze resolves one item: cache first, then the rate-limited, retried
// analyzer call. Concurrent items with the same fingerprint coalesce into
// a single analyzer invocation; followers observe the leader's success as
// a cache hit. Failures are never shared; a follower whose leader failed
// makes its own attempt.
func (e *Engine) analyze(task *Task) (json.RawMessage, int, bool, *analysis.Failure) {
	item := task.Item
	opts := task.Options

	useCache := e.cache != nil && opts.Cache.Enabled && item.Fingerprint != ""
	if !useCache {
		result, attempts, failure := e.invoke(task)
		return result, attempts, false, failure
	}

	if value, ok, _ := e.cache.Get(e.baseCtx, item.Fingerprint); ok {
		return value, 0, true, nil
	}

	var leader bool
	v, _, _ := e.flights.Do(item.Fingerprint, func() (any, error) {
		leader = true
		// Re-check under the flight: a previous leader may have populated
		// the cache between our miss and this call.
		if value, ok, _ := e.cache.Get(e.baseCtx, item.Fingerprint); ok {
			return &flightOutcome{result: value, cached: true}, nil
		}
		result, attempts, failure := e.invoke(task)
		if failure == nil {
			_ = e.cache.Put(e.baseCtx, item.Fingerprint, result, opts.Cache.TTL)
		}
		return &flightOutcome{result: result, attempts: attempts, failure: failure}, nil
	})
	out := v.(*flightOutcome)

	if leader {
		return out.result, out.attempts, out.cached, out.failure
	}
	if out.failure == nil {
		return out.result, 0, true, nil
	}

	result, attempts, failure := e.invoke(task)
	if failure == nil {
		_ = e.cache.Put(e.baseCtx, item.Fingerprint, result, opts.Cache.TTL)
	}
	return result, attempts, false, failure
}

// invoke runs the analyzer for one item through the shared limiter and the
// retry manager, applying the per-item timeout.
func (e *Engine) invoke(task *Task) (json.RawMessage, int, *analysis.Failure) {
	item := task.Item
	opts := task.Options

	return e.retrier.Execute(e.baseCtx, opts.RetryPolicy, func(ctx context.Context, attempt int) (json.RawMessage, error) {
		if err := e.limiter.Acquire(ctx); err != nil {
			return nil, err
		}
		defer e.limiter.Release()

		runCtx := ctx
		if opts.ItemTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, opts.ItemTimeout)
			defer cancel()
		}
		return e.analyzer.Analyze(runCtx, item, opts)
	})
}

// maybeFinalize closes out the job once every item is terminal. Exactly
// one worker wins the finalization; later callers observing the same
// terminal state are no-ops.
func (e *Engine) maybeFinalize(rj *runningJob) {
	rj.mu.Lock()
	if rj.finalized || !rj.job.Terminal() {
		rj.mu.Unlock()
		return
	}
	rj.finalized = true
	now := time.Now().UTC()
	status := rj.job.FinalStatus()
	if rj.cancelled {
		status = analysis.JobCancelled
	}
	rj.job.Status = status
	rj.job.CompletedAt = now
	degraded := rj.job.Degraded
	jobID := rj.job.ID
	rj.mu.Unlock()

	e.mu.Lock()
	delete(e.running, jobID)
	e.mu.Unlock()
	e.queue.RemoveJob(jobID)

	e.persistJob(rj.job, storage.JobUpdates{Status: &status, CompletedAt: &now, Degraded: &degraded})
	e.progress.JobStatus(jobID, status)

	topic := TopicCompleted
	if status == analysis.JobCancelled {
		topic = TopicFailed
	}
	e.publish(topic, jobID)
	e.logger.Info().Str("job_id", jobID).Str("status", string(status)).Msg("job finished")
}

// persistItem writes an item's state with a few retries; if the store
// stays unavailable the job is marked degraded and execution continues
// from memory.
func (e *Engine) persistItem(rj *runningJob, item *analysis.Item) {
	rj.mu.Lock()
	snapshot := *item
	orgID, jobID := rj.job.OrgID, rj.job.ID
	rj.mu.Unlock()

	err := e.withStoreRetry(func() error {
		return e.store.UpdateItem(e.baseCtx, orgID, jobID, &snapshot)
	})
	if err != nil {
		e.markDegraded(rj, err, "item write")
	}
}

func (e *Engine) appendResult(rj *runningJob, item *analysis.Item) {
	rj.mu.Lock()
	record := resultLine{
		ItemID:      item.ID,
		Fingerprint: item.Fingerprint,
		CacheHit:    item.CacheHit,
		CompletedAt: item.CompletedAt,
		Result:      item.Result,
	}
	orgID, jobID := rj.job.OrgID, rj.job.ID
	rj.mu.Unlock()

	line, err := json.Marshal(record)
	if err != nil {
		e.markDegraded(rj, err, "result encode")
		return
	}
	err = e.withStoreRetry(func() error {
		return e.store.AppendResult(e.baseCtx, orgID, jobID, line)
	})
	if err != nil {
		e.markDegraded(rj, err, "result append")
	}
}

func (e *Engine) persistJob(job *analysis.Job, updates storage.JobUpdates) {
	err := e.withStoreRetry(func() error {
		return e.store.Update(e.baseCtx, job.OrgID, job.ID, updates)
	})
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("job metadata write failed")
	}
}

// withStoreRetry makes storage hiccups non-fatal to job execution.
func (e *Engine) withStoreRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(time.Duration(attempt+1) * 50 * time.Millisecond)
	}
	return err
}

func (e *Engine) markDegraded(rj *runningJob, err error, op string) {
	rj.mu.Lock()
	rj.job.Degraded = true
	jobID := rj.job.ID
	rj.mu.Unlock()
	e.logger.Error().Err(err).Str("job_id", jobID).Msg(op + " failed, job marked degraded")
}

func (e *Engine) publish(topic, jobID string) {
	if e.bus == nil {
		return
	}
	if snap, ok := e.progress.Get(jobID); ok {
		e.bus.Publish(e.baseCtx, topic, snap)
	}
}
