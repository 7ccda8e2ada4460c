package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelens/codelens/pkg/analysis"
	"github.com/codelens/codelens/pkg/cache"
	"github.com/codelens/codelens/pkg/event"
	"github.com/codelens/codelens/pkg/storage"
)

const testOrg = "org-1"

func newTestBackend(t *testing.T) storage.Backend {
	t.Helper()
	backend, err := storage.NewLocalBackend(&storage.Config{WorkspaceRoot: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, backend.Initialize(context.Background()))
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func newTestEngine(t *testing.T, analyzer analysis.Analyzer) (*Engine, storage.Backend) {
	t.Helper()
	backend := newTestBackend(t)
	e := New(
		Config{Workers: 4, QueueCapacity: 64, MaxRetryDelay: 50 * time.Millisecond},
		analyzer,
		backend.Jobs(),
		cache.NewMemory(128),
		event.NewManager(),
		nil,
		zerolog.Nop(),
	)
	// Short sleeps keep retry-heavy tests fast.
	e.retrier.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	e.Start(context.Background())
	t.Cleanup(e.Close)
	return e, backend
}

func fileItems(ids ...string) []*analysis.Item {
	items := make([]*analysis.Item, len(ids))
	for i, id := range ids {
		items[i] = &analysis.Item{
			ID:   id,
			Kind: analysis.KindFile,
			File: &analysis.FileSpec{Path: id + ".go", Content: "package " + id},
		}
	}
	return items
}

func okAnalyzer() analysis.Analyzer {
	return analysis.AnalyzerFunc(func(ctx context.Context, item *analysis.Item, opts analysis.Options) (json.RawMessage, error) {
		return json.RawMessage(fmt.Sprintf(`{"item":%q}`, item.ID)), nil
	})
}

func waitTerminal(t *testing.T, e *Engine, jobID string) *analysis.Job {
	t.Helper()
	var job *analysis.Job
	require.Eventually(t, func() bool {
		j, err := e.Get(context.Background(), testOrg, jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status.IsTerminal()
	}, 10*time.Second, 10*time.Millisecond)
	return job
}

func TestEngine_SubmitAndComplete(t *testing.T) {
	e, backend := newTestEngine(t, okAnalyzer())

	job, err := e.Submit(context.Background(), testOrg, fileItems("a", "b", "c"), analysis.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)

	final := waitTerminal(t, e, job.ID)
	assert.Equal(t, analysis.JobCompleted, final.Status)
	for _, it := range final.Items {
		assert.Equal(t, analysis.ItemCompleted, it.Status)
		assert.NotEmpty(t, it.Result)
		assert.Equal(t, 1, it.Attempt)
	}
	assert.False(t, final.CompletedAt.IsZero())

	// Results were streamed to durable storage.
	rc, err := backend.Jobs().ReadResults(context.Background(), testOrg, job.ID)
	require.NoError(t, err)
	defer rc.Close()
	lines := 0
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		var rec map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		lines++
	}
	assert.Equal(t, 3, lines)
}

func TestEngine_SubmitRejectsInvalidJob(t *testing.T) {
	e, _ := newTestEngine(t, okAnalyzer())

	_, err := e.Submit(context.Background(), testOrg, nil, analysis.Options{})
	require.Error(t, err)
	var invalid *storage.InvalidInputError
	assert.ErrorAs(t, err, &invalid)

	items := fileItems("a", "b")
	items[0].DependsOn = []string{"b"}
	items[1].DependsOn = []string{"a"}
	_, err = e.Submit(context.Background(), testOrg, items, analysis.Options{})
	require.Error(t, err)
}

type capPolicy struct{ limit int }

func (p capPolicy) Admit(job *analysis.Job) (int, error) {
	if len(job.Items) > 100 {
		return 0, analysis.ErrPlanLimit
	}
	return p.limit, nil
}

func TestEngine_AdmissionClampsConcurrency(t *testing.T) {
	backend := newTestBackend(t)
	e := New(Config{Workers: 2}, okAnalyzer(), backend.Jobs(), nil, nil, capPolicy{limit: 2}, zerolog.Nop())
	e.Start(context.Background())
	t.Cleanup(e.Close)

	job, err := e.Submit(context.Background(), testOrg, fileItems("a"), analysis.Options{MaxConcurrent: 50})
	require.NoError(t, err)
	assert.Equal(t, 2, job.Options.MaxConcurrent)
	waitTerminal(t, e, job.ID)
}

// Two items with identical content under different paths share one
// fingerprint: the analyzer runs once, the second item is a cache hit.
func TestEngine_CacheHitForIdenticalContent(t *testing.T) {
	var calls atomic.Int32
	analyzer := analysis.AnalyzerFunc(func(ctx context.Context, item *analysis.Item, opts analysis.Options) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(`{"verdict":"clean"}`), nil
	})
	e, _ := newTestEngine(t, analyzer)

	items := []*analysis.Item{
		{ID: "one", Kind: analysis.KindFile, File: &analysis.FileSpec{Path: "x/main.go", Content: "package main\n"}},
		{ID: "two", Kind: analysis.KindFile, File: &analysis.FileSpec{Path: "y/main.go", Content: "package main\r\n"}},
	}
	job, err := e.Submit(context.Background(), testOrg, items, analysis.Options{
		Parallel: false, // sequential, so the second item sees the first's cache write
		Cache:    analysis.CacheOptions{Enabled: true},
	})
	require.NoError(t, err)

	final := waitTerminal(t, e, job.ID)
	require.Equal(t, analysis.JobCompleted, final.Status)
	assert.Equal(t, int32(1), calls.Load())

	hits := 0
	for _, it := range final.Items {
		assert.Equal(t, analysis.ItemCompleted, it.Status)
		assert.JSONEq(t, `{"verdict":"clean"}`, string(it.Result))
		if it.CacheHit {
			hits++
		}
	}
	assert.Equal(t, 1, hits)
	assert.Equal(t, final.Items[0].Fingerprint, final.Items[1].Fingerprint)
}

// Identical items running concurrently coalesce into a single analyzer
// call: the first worker runs it, the other observes the shared result as
// a cache hit.
func TestEngine_ConcurrentIdenticalItemsAnalyzeOnce(t *testing.T) {
	var calls atomic.Int32
	analyzer := analysis.AnalyzerFunc(func(ctx context.Context, item *analysis.Item, opts analysis.Options) (json.RawMessage, error) {
		calls.Add(1)
		// Stay in flight long enough for the twin item to dequeue.
		time.Sleep(150 * time.Millisecond)
		return json.RawMessage(`{"verdict":"clean"}`), nil
	})
	e, _ := newTestEngine(t, analyzer)

	items := []*analysis.Item{
		{ID: "one", Kind: analysis.KindFile, File: &analysis.FileSpec{Path: "x/main.go", Content: "package main\n"}},
		{ID: "two", Kind: analysis.KindFile, File: &analysis.FileSpec{Path: "y/main.go", Content: "package main\n"}},
	}
	job, err := e.Submit(context.Background(), testOrg, items, analysis.Options{
		Parallel:      true,
		MaxConcurrent: 2,
		Cache:         analysis.CacheOptions{Enabled: true},
	})
	require.NoError(t, err)

	final := waitTerminal(t, e, job.ID)
	require.Equal(t, analysis.JobCompleted, final.Status)
	assert.Equal(t, int32(1), calls.Load())

	hits := 0
	for _, it := range final.Items {
		assert.Equal(t, analysis.ItemCompleted, it.Status)
		assert.JSONEq(t, `{"verdict":"clean"}`, string(it.Result))
		if it.CacheHit {
			hits++
		}
	}
	assert.Equal(t, 1, hits)
}

// A terminal failure on a dependency root skips the whole downstream
// chain; the job completes with errors. Resume with retry reruns it all.
func TestEngine_DependencyFailureCascadeAndResume(t *testing.T) {
	var failRoot atomic.Bool
	failRoot.Store(true)
	analyzer := analysis.AnalyzerFunc(func(ctx context.Context, item *analysis.Item, opts analysis.Options) (json.RawMessage, error) {
		if item.ID == "root" && failRoot.Load() {
			return nil, analysis.NewFailure(analysis.FailValidation, "unparseable")
		}
		return json.RawMessage(`{}`), nil
	})
	e, _ := newTestEngine(t, analyzer)

	items := fileItems("root", "mid", "leaf")
	items[1].DependsOn = []string{"root"}
	items[2].DependsOn = []string{"mid"}
	job, err := e.Submit(context.Background(), testOrg, items, analysis.Options{})
	require.NoError(t, err)

	final := waitTerminal(t, e, job.ID)
	require.Equal(t, analysis.JobCompletedWithErrors, final.Status)

	root, mid, leaf := final.Item("root"), final.Item("mid"), final.Item("leaf")
	assert.Equal(t, analysis.ItemFailed, root.Status)
	assert.Equal(t, analysis.FailValidation, root.Failure.Code)
	assert.Equal(t, 1, root.Attempt) // terminal failure, no retries
	assert.Equal(t, analysis.ItemSkipped, mid.Status)
	assert.Equal(t, analysis.SkipDependencyFailed, mid.SkipReason)
	assert.Equal(t, analysis.ItemSkipped, leaf.Status)

	// Resume without retrying failed items has nothing to do but the
	// skipped ones, which immediately re-skip... so retry the failure.
	failRoot.Store(false)
	resumed, err := e.Resume(context.Background(), testOrg, job.ID, true)
	require.NoError(t, err)
	require.NotNil(t, resumed)

	final = waitTerminal(t, e, job.ID)
	assert.Equal(t, analysis.JobCompleted, final.Status)
	for _, it := range final.Items {
		assert.Equal(t, analysis.ItemCompleted, it.Status)
		assert.Empty(t, it.SkipReason)
		assert.Nil(t, it.Failure)
	}
}

// Cancellation is cooperative: in-flight items finish, queued items are
// skipped with job_cancelled, and the job lands in cancelled.
func TestEngine_CancelSkipsQueuedItems(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 16)
	analyzer := analysis.AnalyzerFunc(func(ctx context.Context, item *analysis.Item, opts analysis.Options) (json.RawMessage, error) {
		started <- item.ID
		<-release
		return json.RawMessage(`{}`), nil
	})
	e, _ := newTestEngine(t, analyzer)

	job, err := e.Submit(context.Background(), testOrg, fileItems("a", "b", "c", "d", "e", "f"), analysis.Options{
		Parallel:      true,
		MaxConcurrent: 2,
	})
	require.NoError(t, err)

	// Two items in flight, four queued.
	<-started
	<-started

	_, err = e.Cancel(context.Background(), testOrg, job.ID)
	require.NoError(t, err)
	close(release)

	final := waitTerminal(t, e, job.ID)
	assert.Equal(t, analysis.JobCancelled, final.Status)

	completed, skipped := 0, 0
	for _, it := range final.Items {
		switch it.Status {
		case analysis.ItemCompleted:
			completed++
		case analysis.ItemSkipped:
			skipped++
			assert.Equal(t, analysis.SkipJobCancelled, it.SkipReason)
		default:
			t.Fatalf("unexpected item status %s", it.Status)
		}
	}
	assert.Equal(t, 2, completed)
	assert.Equal(t, 4, skipped)

	// A cancelled job cannot be cancelled again.
	_, err = e.Cancel(context.Background(), testOrg, job.ID)
	require.Error(t, err)
}

// Transient rate limiting is retried with backoff until it clears.
func TestEngine_RateLimitedItemRetriesToSuccess(t *testing.T) {
	var calls atomic.Int32
	analyzer := analysis.AnalyzerFunc(func(ctx context.Context, item *analysis.Item, opts analysis.Options) (json.RawMessage, error) {
		if calls.Add(1) <= 2 {
			return nil, analysis.NewFailure(analysis.FailRateLimited, "throttled upstream")
		}
		return json.RawMessage(`{}`), nil
	})
	e, _ := newTestEngine(t, analyzer)

	job, err := e.Submit(context.Background(), testOrg, fileItems("only"), analysis.Options{
		RetryPolicy: analysis.RetryPolicy{MaxRetries: 3, BackoffBase: time.Millisecond},
	})
	require.NoError(t, err)

	final := waitTerminal(t, e, job.ID)
	assert.Equal(t, analysis.JobCompleted, final.Status)
	it := final.Item("only")
	assert.Equal(t, analysis.ItemCompleted, it.Status)
	assert.Equal(t, 3, it.Attempt)
}

func TestEngine_RetriesExhaustedMarksItemFailed(t *testing.T) {
	analyzer := analysis.AnalyzerFunc(func(ctx context.Context, item *analysis.Item, opts analysis.Options) (json.RawMessage, error) {
		return nil, analysis.NewFailure(analysis.FailTransient, "flaky backend")
	})
	e, _ := newTestEngine(t, analyzer)

	job, err := e.Submit(context.Background(), testOrg, fileItems("only"), analysis.Options{
		RetryPolicy: analysis.RetryPolicy{MaxRetries: 2, BackoffBase: time.Millisecond},
	})
	require.NoError(t, err)

	final := waitTerminal(t, e, job.ID)
	assert.Equal(t, analysis.JobCompletedWithErrors, final.Status)
	it := final.Item("only")
	assert.Equal(t, analysis.ItemFailed, it.Status)
	assert.Equal(t, 3, it.Attempt) // MaxRetries + 1
	assert.Equal(t, analysis.FailTransient, it.Failure.Code)
}

// MaxConcurrent bounds simultaneous analyzer calls for one job even with
// spare workers.
func TestEngine_PerJobConcurrencyBound(t *testing.T) {
	var current, peak atomic.Int32
	var mu sync.Mutex
	analyzer := analysis.AnalyzerFunc(func(ctx context.Context, item *analysis.Item, opts analysis.Options) (json.RawMessage, error) {
		now := current.Add(1)
		mu.Lock()
		if now > peak.Load() {
			peak.Store(now)
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return json.RawMessage(`{}`), nil
	})
	e, _ := newTestEngine(t, analyzer)

	job, err := e.Submit(context.Background(), testOrg, fileItems("a", "b", "c", "d", "e", "f", "g", "h"), analysis.Options{
		Parallel:      true,
		MaxConcurrent: 2,
	})
	require.NoError(t, err)

	waitTerminal(t, e, job.ID)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestEngine_ItemTimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int32
	analyzer := analysis.AnalyzerFunc(func(ctx context.Context, item *analysis.Item, opts analysis.Options) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`{}`), nil
	})
	e, _ := newTestEngine(t, analyzer)

	job, err := e.Submit(context.Background(), testOrg, fileItems("slow"), analysis.Options{
		ItemTimeout: 50 * time.Millisecond,
		RetryPolicy: analysis.RetryPolicy{MaxRetries: 2, BackoffBase: time.Millisecond},
	})
	require.NoError(t, err)

	final := waitTerminal(t, e, job.ID)
	assert.Equal(t, analysis.JobCompleted, final.Status)
	assert.Equal(t, 2, final.Item("slow").Attempt)
}

func TestEngine_ResumeRequiresTerminalJob(t *testing.T) {
	release := make(chan struct{})
	analyzer := analysis.AnalyzerFunc(func(ctx context.Context, item *analysis.Item, opts analysis.Options) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{}`), nil
	})
	e, _ := newTestEngine(t, analyzer)

	job, err := e.Submit(context.Background(), testOrg, fileItems("a"), analysis.Options{})
	require.NoError(t, err)

	_, err = e.Resume(context.Background(), testOrg, job.ID, false)
	require.Error(t, err)

	close(release)
	final := waitTerminal(t, e, job.ID)
	require.Equal(t, analysis.JobCompleted, final.Status)

	// Fully completed jobs have nothing to resume.
	_, err = e.Resume(context.Background(), testOrg, job.ID, true)
	require.Error(t, err)
}

// A job left in processing by a crash is picked up on Recover: running
// items return to pending and execute again; completed work is kept.
func TestEngine_RecoverInterruptedJob(t *testing.T) {
	backend := newTestBackend(t)

	job := analysis.NewJob(testOrg, fileItems("done", "stuck", "waiting"), analysis.Options{})
	require.NoError(t, analysis.Validate(job))
	job.Status = analysis.JobProcessing
	job.Items[0].Status = analysis.ItemCompleted
	job.Items[0].Result = json.RawMessage(`{"kept":true}`)
	job.Items[1].Status = analysis.ItemRunning
	require.NoError(t, backend.Jobs().Create(context.Background(), testOrg, job))

	var analyzed []string
	var mu sync.Mutex
	analyzer := analysis.AnalyzerFunc(func(ctx context.Context, item *analysis.Item, opts analysis.Options) (json.RawMessage, error) {
		mu.Lock()
		analyzed = append(analyzed, item.ID)
		mu.Unlock()
		return json.RawMessage(`{}`), nil
	})
	e := New(Config{Workers: 2}, analyzer, backend.Jobs(), nil, nil, nil, zerolog.Nop())
	e.Start(context.Background())
	t.Cleanup(e.Close)

	require.NoError(t, e.Recover(context.Background()))
	final := waitTerminal(t, e, job.ID)

	assert.Equal(t, analysis.JobCompleted, final.Status)
	assert.JSONEq(t, `{"kept":true}`, string(final.Item("done").Result))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"stuck", "waiting"}, analyzed)
}

func TestEngine_ProgressEventsPublished(t *testing.T) {
	bus := event.NewManager()
	var mu sync.Mutex
	topics := make(map[string]int)
	for _, topic := range []string{TopicStarted, TopicProgress, TopicCompleted} {
		topic := topic
		bus.Subscribe(topic, func(ctx context.Context, data any) {
			snap, ok := data.(Snapshot)
			if !ok {
				return
			}
			mu.Lock()
			topics[topic]++
			mu.Unlock()
			_ = snap
		})
	}

	backend := newTestBackend(t)
	e := New(Config{Workers: 2}, okAnalyzer(), backend.Jobs(), nil, bus, nil, zerolog.Nop())
	e.Start(context.Background())
	t.Cleanup(e.Close)

	job, err := e.Submit(context.Background(), testOrg, fileItems("a", "b"), analysis.Options{})
	require.NoError(t, err)
	waitTerminal(t, e, job.ID)
	bus.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, topics[TopicStarted])
	assert.GreaterOrEqual(t, topics[TopicProgress], 2)
	assert.Equal(t, 1, topics[TopicCompleted])
}
