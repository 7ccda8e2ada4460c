package engine

import (
	"sync"
	"time"

	"github.com/codelens/codelens/pkg/analysis"
)

// Snapshot is a derived, point-in-time view of a job's progress. Counts
// always sum to Total; Percentage is terminal-items / total.
type Snapshot struct {
	JobID      string             `json:"bulkAnalysisId"`
	Status     analysis.JobStatus `json:"status"`
	Total      int                `json:"totalItems"`
	Pending    int                `json:"pendingItems"`
	Running    int                `json:"runningItems"`
	Completed  int                `json:"completedItems"`
	Failed     int                `json:"failedItems"`
	Skipped    int                `json:"skippedItems"`
	CacheHits  int                `json:"cacheHits"`
	Percentage float64            `json:"progressPercentage"`

	// ETASeconds is an estimate from the mean duration of completed items
	// and the remaining count; zero until at least one item has completed.
	ETASeconds float64 `json:"etaSeconds,omitempty"`
}

func (s Snapshot) terminalItems() int {
	return s.Completed + s.Failed + s.Skipped
}

type progressJob struct {
	snapshot Snapshot

	// durations feed the ETA estimate.
	completedDur time.Duration
	durSamples   int

	subs map[chan Snapshot]struct{}
}

// Progress tracks per-job progress snapshots and fans them out to
// subscribers. Slow subscribers never block publishers: each channel holds
// only the latest snapshot, older ones are dropped.
type Progress struct {
	mu   sync.Mutex
	jobs map[string]*progressJob
}

func NewProgress() *Progress {
	return &Progress{jobs: make(map[string]*progressJob)}
}

// SnapshotOf derives a point-in-time snapshot from a job's item states,
// without touching tracker state. Used to seed tracking and to answer
// progress queries for jobs no longer tracked.
func SnapshotOf(job *analysis.Job) Snapshot {
	snap := Snapshot{JobID: job.ID, Status: job.Status, Total: len(job.Items)}
	for _, it := range job.Items {
		switch it.Status {
		case analysis.ItemRunning:
			snap.Running++
		case analysis.ItemCompleted:
			snap.Completed++
		case analysis.ItemFailed:
			snap.Failed++
		case analysis.ItemSkipped:
			snap.Skipped++
		default:
			snap.Pending++
		}
		if it.CacheHit {
			snap.CacheHits++
		}
	}
	snap.Percentage = percentage(snap.terminalItems(), snap.Total)
	return snap
}

// Track seeds the tracker from the job's current item states. Safe to call
// for a resumed job with prior terminal items.
func (p *Progress) Track(job *analysis.Job) {
	snap := SnapshotOf(job)

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing := p.jobs[job.ID]; existing != nil {
		existing.snapshot = snap
		p.broadcastLocked(existing)
		return
	}
	p.jobs[job.ID] = &progressJob{
		snapshot: snap,
		subs:     make(map[chan Snapshot]struct{}),
	}
}

// ItemTransition records an item moving from one status to another,
// optionally with its run duration (used for the ETA) and cache-hit flag.
func (p *Progress) ItemTransition(jobID string, from, to analysis.ItemStatus, dur time.Duration, cacheHit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pj := p.jobs[jobID]
	if pj == nil {
		return
	}
	s := &pj.snapshot
	adjust(s, from, -1)
	adjust(s, to, +1)
	if cacheHit {
		s.CacheHits++
	}
	if to == analysis.ItemCompleted && dur > 0 {
		pj.completedDur += dur
		pj.durSamples++
	}
	s.Percentage = percentage(s.terminalItems(), s.Total)
	s.ETASeconds = eta(pj)
	p.broadcastLocked(pj)
}

// JobStatus updates the job-level status and notifies subscribers; on a
// terminal status all subscriber channels are closed after the final
// snapshot.
func (p *Progress) JobStatus(jobID string, status analysis.JobStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pj := p.jobs[jobID]
	if pj == nil {
		return
	}
	pj.snapshot.Status = status
	p.broadcastLocked(pj)

	if status.IsTerminal() {
		for ch := range pj.subs {
			close(ch)
		}
		pj.subs = make(map[chan Snapshot]struct{})
	}
}

// Get returns the current snapshot, if the job is tracked.
func (p *Progress) Get(jobID string) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pj := p.jobs[jobID]
	if pj == nil {
		return Snapshot{}, false
	}
	return pj.snapshot, true
}

// Subscribe returns a channel that receives the current snapshot
// immediately and every subsequent update, holding only the most recent
// one. The channel is closed when the job reaches a terminal status or
// when cancel is called.
func (p *Progress) Subscribe(jobID string) (<-chan Snapshot, func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pj := p.jobs[jobID]
	if pj == nil {
		return nil, nil, false
	}

	ch := make(chan Snapshot, 1)
	if pj.snapshot.Status.IsTerminal() {
		ch <- pj.snapshot
		close(ch)
		return ch, func() {}, true
	}

	pj.subs[ch] = struct{}{}
	ch <- pj.snapshot

	cancel := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if _, ok := pj.subs[ch]; ok {
			delete(pj.subs, ch)
			close(ch)
		}
	}
	return ch, cancel, true
}

// Forget drops a job's tracking state, closing any remaining subscribers.
func (p *Progress) Forget(jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pj := p.jobs[jobID]
	if pj == nil {
		return
	}
	for ch := range pj.subs {
		close(ch)
	}
	delete(p.jobs, jobID)
}

func (p *Progress) broadcastLocked(pj *progressJob) {
	for ch := range pj.subs {
		select {
		case ch <- pj.snapshot:
		default:
			// Drop the stale snapshot, keep only the newest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- pj.snapshot:
			default:
			}
		}
	}
}

func adjust(s *Snapshot, status analysis.ItemStatus, delta int) {
	switch status {
	case analysis.ItemPending:
		s.Pending += delta
	case analysis.ItemRunning:
		s.Running += delta
	case analysis.ItemCompleted:
		s.Completed += delta
	case analysis.ItemFailed:
		s.Failed += delta
	case analysis.ItemSkipped:
		s.Skipped += delta
	}
}

func percentage(done, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(done) / float64(total) * 100
}

func eta(pj *progressJob) float64 {
	if pj.durSamples == 0 {
		return 0
	}
	remaining := pj.snapshot.Total - pj.snapshot.terminalItems()
	if remaining <= 0 {
		return 0
	}
	mean := pj.completedDur / time.Duration(pj.durSamples)
	return (mean * time.Duration(remaining)).Seconds()
}
