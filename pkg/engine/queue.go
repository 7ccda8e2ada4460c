package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/codelens/codelens/pkg/analysis"
)

// ErrQueueClosed is returned by blocked operations after Close.
var ErrQueueClosed = errors.New("work queue is closed")

const numTiers = 4

// Task is one unit handed to a worker: either a runnable item, or a skip
// directive for an item whose dependency failed (or whose job was
// cancelled) — skip tasks never count against concurrency and never enter
// running.
type Task struct {
	JobID   string
	OrgID   string
	Item    *analysis.Item
	Options analysis.Options

	Skip       bool
	SkipReason analysis.SkipReason
}

// itemState tracks where an item currently is in the queue lifecycle.
type itemState int

const (
	stateGated  itemState = iota // waiting on dependencies
	stateReady                   // eligible, in a tier list
	stateLeased                  // handed to a worker
	stateDone                    // terminal reported via Done
)

type queuedItem struct {
	item       *analysis.Item
	state      itemState
	unmetDeps  int
	depFailed  bool
	skipReason analysis.SkipReason
}

type jobEntry struct {
	id            string
	orgID         string
	options       analysis.Options
	tier          int
	maxConcurrent int
	inflight      int
	cancelled     bool

	items      map[string]*queuedItem
	dependents map[string][]string // item id -> ids gated on it

	ready []*queuedItem // FIFO within the job's tier
	skips []*queuedItem // skip directives, always eligible
}

// Queue is the bounded, dependency-aware work queue shared by all jobs.
//
// Ordering: four priority tiers (urgent..low); within a tier, round-robin
// across jobs for fairness, FIFO within a job. Items with unmet
// dependencies are withheld here — workers never see a gated item.
//
// Backpressure: AddJob blocks while the queue holds `capacity` undelivered
// items, bounding memory for very large jobs.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	capacity int
	size     int // undelivered items (gated + ready + skips)

	jobs map[string]*jobEntry
	// leased counts handed-out items per job. It outlives the job entry so
	// a Done arriving after RemoveJob still releases its capacity slot.
	leased map[string]int
	// tierOrder[tier] is the round-robin rotation of job ids in that tier.
	tierOrder [numTiers][]string

	closed bool
}

// NewQueue creates a queue bounded to capacity undelivered items.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	q := &Queue{
		capacity: capacity,
		jobs:     make(map[string]*jobEntry),
		leased:   make(map[string]int),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// AddJob registers the job and enqueues its non-terminal items in
// insertion order, blocking for queue capacity as needed. Items whose
// dependencies are already terminal enter ready immediately; items gated
// on a failed or skipped dependency surface as skip directives.
func (q *Queue) AddJob(job *analysis.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, exists := q.jobs[job.ID]; exists {
		return errors.New("job already queued: " + job.ID)
	}

	maxConcurrent := job.Options.MaxConcurrent
	if !job.Options.Parallel {
		maxConcurrent = 1
	}

	entry := &jobEntry{
		id:            job.ID,
		orgID:         job.OrgID,
		options:       job.Options,
		tier:          job.Options.Priority.Tier(),
		maxConcurrent: maxConcurrent,
		items:         make(map[string]*queuedItem),
		dependents:    make(map[string][]string),
	}

	terminal := make(map[string]analysis.ItemStatus)
	for _, it := range job.Items {
		if it.Status.IsTerminal() {
			terminal[it.ID] = it.Status
		}
	}

	q.jobs[job.ID] = entry
	q.tierOrder[entry.tier] = append(q.tierOrder[entry.tier], job.ID)

	for _, it := range job.Items {
		if it.Status.IsTerminal() {
			continue
		}

		qi := &queuedItem{item: it}
		for _, dep := range it.DependsOn {
			switch terminal[dep] {
			case analysis.ItemCompleted:
				// satisfied
			case analysis.ItemFailed, analysis.ItemSkipped:
				qi.depFailed = true
			default:
				qi.unmetDeps++
				entry.dependents[dep] = append(entry.dependents[dep], it.ID)
			}
		}
		entry.items[it.ID] = qi

		// Block for capacity before making the item visible.
		for q.size >= q.capacity && !q.closed {
			q.notFull.Wait()
		}
		if q.closed {
			return ErrQueueClosed
		}
		q.size++

		switch {
		case entry.cancelled:
			// The job was cancelled while this producer was blocked on
			// capacity; the remaining items go straight to skip.
			qi.state = stateReady
			qi.skipReason = analysis.SkipJobCancelled
			entry.skips = append(entry.skips, qi)
		case qi.depFailed:
			// One failed dependency is enough, as in the Done path: skip
			// without waiting for the remaining ones.
			qi.state = stateReady
			qi.skipReason = analysis.SkipDependencyFailed
			entry.skips = append(entry.skips, qi)
		case qi.unmetDeps == 0:
			qi.state = stateReady
			entry.ready = append(entry.ready, qi)
		default:
			qi.state = stateGated
		}
		q.notEmpty.Signal()
	}

	return nil
}

// Dequeue blocks until a task is available or the context is cancelled.
// Each item is handed out exactly once per attempt.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Wake the cond wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	for {
		if q.closed {
			return nil, ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if task := q.nextLocked(); task != nil {
			return task, nil
		}
		q.notEmpty.Wait()
	}
}

// nextLocked picks the next eligible task: skip directives first (they are
// cheap bookkeeping), then runnable items tier by tier, rotating the
// round-robin cursor within each tier.
func (q *Queue) nextLocked() *Task {
	// Skip directives bypass tiers and concurrency caps.
	for _, entry := range q.jobs {
		if len(entry.skips) > 0 {
			qi := entry.skips[0]
			entry.skips = entry.skips[1:]
			qi.state = stateLeased
			q.leased[entry.id]++
			return &Task{
				JobID:      entry.id,
				OrgID:      entry.orgID,
				Item:       qi.item,
				Options:    entry.options,
				Skip:       true,
				SkipReason: qi.skipReason,
			}
		}
	}

	for tier := 0; tier < numTiers; tier++ {
		order := q.tierOrder[tier]
		n := len(order)
		for i := 0; i < n; i++ {
			jobID := order[i%n]
			entry := q.jobs[jobID]
			if entry == nil || entry.cancelled {
				continue
			}
			if len(entry.ready) == 0 || entry.inflight >= entry.maxConcurrent {
				continue
			}

			qi := entry.ready[0]
			entry.ready = entry.ready[1:]
			qi.state = stateLeased
			entry.inflight++
			q.leased[entry.id]++

			// Rotate so the next dequeue starts after this job.
			q.tierOrder[tier] = append(order[i+1:], order[:i+1]...)

			return &Task{
				JobID:   entry.id,
				OrgID:   entry.orgID,
				Item:    qi.item,
				Options: entry.options,
			}
		}
	}
	return nil
}

// Done reports a task outcome back to the queue, releasing the job's
// concurrency slot and unblocking dependents. A completed dependency makes
// gated dependents eligible; a failed or skipped dependency converts them
// to skip directives without ever running.
func (q *Queue) Done(task *Task, status analysis.ItemStatus) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := q.jobs[task.JobID]
	if entry == nil {
		// The job was finalized and removed while this task was still
		// leased; the entry is gone but the capacity slot must still be
		// released.
		if q.leased[task.JobID] > 0 {
			q.releaseLeaseLocked(task.JobID)
			q.size--
			q.notFull.Broadcast()
		}
		return
	}

	qi := entry.items[task.Item.ID]
	if qi == nil || qi.state != stateLeased {
		return
	}
	qi.state = stateDone
	q.releaseLeaseLocked(task.JobID)
	if !task.Skip {
		entry.inflight--
	}
	q.size--
	q.notFull.Broadcast()

	if status == analysis.ItemPending {
		// Item went back to pending (resume bookkeeping); nothing to
		// propagate.
		q.notEmpty.Broadcast()
		return
	}

	for _, depID := range entry.dependents[task.Item.ID] {
		dep := entry.items[depID]
		if dep == nil || dep.state != stateGated {
			continue
		}
		dep.unmetDeps--
		if status != analysis.ItemCompleted {
			dep.depFailed = true
		}

		switch {
		case dep.depFailed:
			// One failed dependency is enough; skip without waiting for
			// the remaining ones.
			dep.state = stateReady
			dep.skipReason = analysis.SkipDependencyFailed
			entry.skips = append(entry.skips, dep)
		case dep.unmetDeps == 0:
			dep.state = stateReady
			entry.ready = append(entry.ready, dep)
		}
	}

	q.notEmpty.Broadcast()
}

// CancelJob converts the job's pending and gated items to cancellation
// skip directives. In-flight items are unaffected (cooperative cancel).
func (q *Queue) CancelJob(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := q.jobs[jobID]
	if entry == nil {
		return
	}
	entry.cancelled = true

	drain := entry.ready
	entry.ready = nil
	for _, qi := range entry.items {
		if qi.state == stateGated {
			drain = append(drain, qi)
		}
	}
	for _, qi := range drain {
		qi.state = stateReady
		qi.skipReason = analysis.SkipJobCancelled
		entry.skips = append(entry.skips, qi)
	}
	q.notEmpty.Broadcast()
}

func (q *Queue) releaseLeaseLocked(jobID string) {
	if q.leased[jobID]--; q.leased[jobID] <= 0 {
		delete(q.leased, jobID)
	}
}

// RemoveJob drops a finished job's bookkeeping. Undelivered items (there
// should be none for a terminal job) are released from the capacity count;
// still-leased items release their slots through Done, which survives the
// entry's removal.
func (q *Queue) RemoveJob(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry := q.jobs[jobID]
	if entry == nil {
		return
	}
	for _, qi := range entry.items {
		if qi.state == stateGated || qi.state == stateReady {
			q.size--
		}
	}
	delete(q.jobs, jobID)
	order := q.tierOrder[entry.tier]
	for i, id := range order {
		if id == jobID {
			q.tierOrder[entry.tier] = append(order[:i], order[i+1:]...)
			break
		}
	}
	q.notFull.Broadcast()
}

// Size returns the number of undelivered items across all jobs.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Close wakes all blocked producers and consumers with ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}
