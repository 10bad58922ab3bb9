package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/fleet-crawler/internal/clock/system"
	"github.com/JakeFAU/fleet-crawler/internal/crawler"
)

// DefaultVisibility is how long a dequeued task stays hidden before it is
// handed out again.
const DefaultVisibility = 5 * time.Minute

type frontierEntry struct {
	task        crawler.CrawlTask
	seq         uint64
	leasedUntil time.Time
}

// Frontier is a FIFO task queue. A fingerprint is queued at most once, whether
// it is waiting or leased to a worker. Leased tasks stay queued until acked or
// requeued, and are redelivered once their lease runs out.
type Frontier struct {
	mu         sync.Mutex
	entries    map[crawler.Fingerprint]*frontierEntry
	seq        uint64
	clock      crawler.Clock
	visibility time.Duration
}

// NewFrontier constructs a Frontier. A nil clock uses the system clock and a
// non-positive visibility uses DefaultVisibility.
func NewFrontier(clock crawler.Clock, visibility time.Duration) *Frontier {
	if clock == nil {
		clock = system.New()
	}
	if visibility <= 0 {
		visibility = DefaultVisibility
	}
	return &Frontier{
		entries:    make(map[crawler.Fingerprint]*frontierEntry),
		clock:      clock,
		visibility: visibility,
	}
}

// Enqueue appends task unless its URL is already queued or leased.
func (f *Frontier) Enqueue(_ context.Context, task crawler.CrawlTask) error {
	fp := crawler.FingerprintOf(task.URL)
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[fp]; ok {
		return nil
	}
	f.seq++
	f.entries[fp] = &frontierEntry{task: task, seq: f.seq}
	return nil
}

// Requeue replaces any queued or leased copy of task and makes it available
// again once its NotBefore has passed.
func (f *Frontier) Requeue(_ context.Context, task crawler.CrawlTask) error {
	fp := crawler.FingerprintOf(task.URL)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.entries[fp] = &frontierEntry{task: task, seq: f.seq}
	return nil
}

// Ack removes task from the queue.
func (f *Frontier) Ack(_ context.Context, task crawler.CrawlTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, crawler.FingerprintOf(task.URL))
	return nil
}

// DequeueBatch leases up to limit ready tasks in submission order. Tasks whose
// NotBefore is still in the future, or whose lease is still running, are skipped.
func (f *Frontier) DequeueBatch(_ context.Context, limit int) ([]crawler.CrawlTask, error) {
	if limit <= 0 {
		return nil, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	var ready []*frontierEntry
	for _, e := range f.entries {
		if now.Before(e.task.NotBefore) || now.Before(e.leasedUntil) {
			continue
		}
		ready = append(ready, e)
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].seq < ready[j].seq })
	if len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]crawler.CrawlTask, 0, len(ready))
	for _, e := range ready {
		e.leasedUntil = now.Add(f.visibility)
		out = append(out, e.task)
	}
	return out, nil
}

// Len returns the number of queued tasks, leased ones included.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// Leased returns the number of tasks currently leased to a worker.
func (f *Frontier) Leased() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	n := 0
	for _, e := range f.entries {
		if now.Before(e.leasedUntil) {
			n++
		}
	}
	return n
}
