package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codelens/codelens/pkg/analysis"
)

func queueJob(t *testing.T, priority analysis.Priority, itemIDs ...string) *analysis.Job {
	t.Helper()
	items := make([]*analysis.Item, len(itemIDs))
	for i, id := range itemIDs {
		items[i] = &analysis.Item{
			ID:     id,
			Kind:   analysis.KindFile,
			File:   &analysis.FileSpec{Path: id + ".go", Content: "package main"},
			Status: analysis.ItemPending,
		}
	}
	job := analysis.NewJob("org-1", items, analysis.Options{
		Parallel:      true,
		MaxConcurrent: 10,
		Priority:      priority,
	})
	require.NoError(t, analysis.Validate(job))
	return job
}

func mustDequeue(t *testing.T, q *Queue) *Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return task
}

func TestQueue_FIFOWithinJob(t *testing.T) {
	q := NewQueue(16)
	job := queueJob(t, analysis.PriorityNormal, "a", "b", "c")
	require.NoError(t, q.AddJob(job))

	for _, want := range []string{"a", "b", "c"} {
		task := mustDequeue(t, q)
		assert.Equal(t, want, task.Item.ID)
		assert.False(t, task.Skip)
	}
}

func TestQueue_PriorityTiers(t *testing.T) {
	q := NewQueue(16)
	low := queueJob(t, analysis.PriorityLow, "low-1")
	urgent := queueJob(t, analysis.PriorityUrgent, "urgent-1")
	normal := queueJob(t, analysis.PriorityNormal, "normal-1")

	require.NoError(t, q.AddJob(low))
	require.NoError(t, q.AddJob(urgent))
	require.NoError(t, q.AddJob(normal))

	assert.Equal(t, "urgent-1", mustDequeue(t, q).Item.ID)
	assert.Equal(t, "normal-1", mustDequeue(t, q).Item.ID)
	assert.Equal(t, "low-1", mustDequeue(t, q).Item.ID)
}

func TestQueue_RoundRobinAcrossJobs(t *testing.T) {
	q := NewQueue(16)
	jobA := queueJob(t, analysis.PriorityNormal, "a1", "a2")
	jobB := queueJob(t, analysis.PriorityNormal, "b1", "b2")
	require.NoError(t, q.AddJob(jobA))
	require.NoError(t, q.AddJob(jobB))

	seen := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		seen = append(seen, mustDequeue(t, q).Item.ID)
	}
	// Alternation between the two jobs, FIFO within each.
	assert.Equal(t, []string{"a1", "b1", "a2", "b2"}, seen)
}

func TestQueue_PerJobConcurrencyCap(t *testing.T) {
	q := NewQueue(16)
	job := queueJob(t, analysis.PriorityNormal, "a", "b", "c")
	job.Options.MaxConcurrent = 1
	require.NoError(t, q.AddJob(job))

	first := mustDequeue(t, q)
	assert.Equal(t, "a", first.Item.ID)

	// Second item is withheld while the first is in flight.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	q.Done(first, analysis.ItemCompleted)
	assert.Equal(t, "b", mustDequeue(t, q).Item.ID)
}

func TestQueue_SequentialWhenNotParallel(t *testing.T) {
	q := NewQueue(16)
	job := queueJob(t, analysis.PriorityNormal, "a", "b")
	job.Options.Parallel = false
	job.Options.MaxConcurrent = 10
	require.NoError(t, q.AddJob(job))

	first := mustDequeue(t, q)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	q.Done(first, analysis.ItemCompleted)
}

func TestQueue_DependencyGating(t *testing.T) {
	q := NewQueue(16)
	job := queueJob(t, analysis.PriorityNormal, "parent", "child")
	job.Items[1].DependsOn = []string{"parent"}
	require.NoError(t, q.AddJob(job))

	parent := mustDequeue(t, q)
	require.Equal(t, "parent", parent.Item.ID)

	// Child is gated until the parent completes.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	q.Done(parent, analysis.ItemCompleted)
	child := mustDequeue(t, q)
	assert.Equal(t, "child", child.Item.ID)
	assert.False(t, child.Skip)
}

func TestQueue_DependencyFailureYieldsSkip(t *testing.T) {
	q := NewQueue(16)
	job := queueJob(t, analysis.PriorityNormal, "parent", "child", "grandchild")
	job.Items[1].DependsOn = []string{"parent"}
	job.Items[2].DependsOn = []string{"child"}
	require.NoError(t, q.AddJob(job))

	parent := mustDequeue(t, q)
	q.Done(parent, analysis.ItemFailed)

	child := mustDequeue(t, q)
	require.True(t, child.Skip)
	assert.Equal(t, "child", child.Item.ID)
	assert.Equal(t, analysis.SkipDependencyFailed, child.SkipReason)

	// The cascade continues transitively: skipping the child skips the
	// grandchild too.
	q.Done(child, analysis.ItemSkipped)
	grandchild := mustDequeue(t, q)
	require.True(t, grandchild.Skip)
	assert.Equal(t, "grandchild", grandchild.Item.ID)
}

func TestQueue_TerminalDependenciesOnAdd(t *testing.T) {
	q := NewQueue(16)
	job := queueJob(t, analysis.PriorityNormal, "done", "failed", "a", "b")
	job.Items[0].Status = analysis.ItemCompleted
	job.Items[1].Status = analysis.ItemFailed
	job.Items[2].DependsOn = []string{"done"}
	job.Items[3].DependsOn = []string{"failed"}
	require.NoError(t, q.AddJob(job))

	got := map[string]bool{} // id -> skip
	for i := 0; i < 2; i++ {
		task := mustDequeue(t, q)
		got[task.Item.ID] = task.Skip
	}
	assert.False(t, got["a"])
	assert.True(t, got["b"])
}

func TestQueue_MixedDepsSkipImmediatelyOnAdd(t *testing.T) {
	q := NewQueue(16)
	job := queueJob(t, analysis.PriorityNormal, "failed", "pending", "child")
	job.Items[0].Status = analysis.ItemFailed
	job.Items[2].DependsOn = []string{"failed", "pending"}
	require.NoError(t, q.AddJob(job))

	// One already-failed dependency is enough: the child surfaces as a
	// skip right away instead of waiting for the pending dependency.
	task := mustDequeue(t, q)
	require.True(t, task.Skip)
	assert.Equal(t, "child", task.Item.ID)
	assert.Equal(t, analysis.SkipDependencyFailed, task.SkipReason)
}

func TestQueue_DoneAfterRemoveJobReleasesCapacity(t *testing.T) {
	q := NewQueue(16)
	job := queueJob(t, analysis.PriorityNormal, "a", "b")
	require.NoError(t, q.AddJob(job))

	first := mustDequeue(t, q)
	second := mustDequeue(t, q)

	// The worker finishing the first item may observe the job terminal and
	// remove it before the second worker's Done lands; that late Done must
	// still release its capacity slot.
	q.Done(first, analysis.ItemCompleted)
	q.RemoveJob(job.ID)
	q.Done(second, analysis.ItemCompleted)

	assert.Equal(t, 0, q.Size())
}

func TestQueue_CancelDrainsPending(t *testing.T) {
	q := NewQueue(16)
	job := queueJob(t, analysis.PriorityNormal, "a", "b", "c")
	job.Items[2].DependsOn = []string{"b"}
	require.NoError(t, q.AddJob(job))

	inflight := mustDequeue(t, q)
	require.Equal(t, "a", inflight.Item.ID)

	q.CancelJob(job.ID)

	// Pending and gated items drain as cancellation skips.
	for i := 0; i < 2; i++ {
		task := mustDequeue(t, q)
		require.True(t, task.Skip)
		assert.Equal(t, analysis.SkipJobCancelled, task.SkipReason)
		q.Done(task, analysis.ItemSkipped)
	}

	// The in-flight item is untouched.
	assert.False(t, inflight.Skip)
	q.Done(inflight, analysis.ItemCompleted)
	assert.Equal(t, 0, q.Size())
}

func TestQueue_BackpressureBlocksAddJob(t *testing.T) {
	q := NewQueue(2)
	small := queueJob(t, analysis.PriorityNormal, "s1", "s2")
	require.NoError(t, q.AddJob(small))

	big := queueJob(t, analysis.PriorityNormal, "b1", "b2")
	added := make(chan error, 1)
	go func() { added <- q.AddJob(big) }()

	select {
	case <-added:
		t.Fatal("AddJob should block at capacity")
	case <-time.After(100 * time.Millisecond):
	}

	// Draining the queue unblocks the producer.
	for i := 0; i < 2; i++ {
		task := mustDequeue(t, q)
		q.Done(task, analysis.ItemCompleted)
	}
	select {
	case err := <-added:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AddJob did not unblock after drain")
	}
}

func TestQueue_CloseUnblocksWaiters(t *testing.T) {
	q := NewQueue(16)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Dequeue did not unblock on Close")
	}
}
