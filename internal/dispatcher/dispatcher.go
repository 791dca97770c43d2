// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/jvilhena/vigia/internal/incident"
	"github.com/jvilhena/vigia/internal/worker"
)

const recentJobsKept = 50

// Dispatcher fans out queue work to a pool of workers and remembers the
// most recently enqueued jobs for the status endpoint.
type Dispatcher struct {
	queue   incident.Queue
	workers []*worker.Worker

	mu     sync.Mutex
	recent []incident.Job
}

// New creates a Dispatcher.
func New(queue incident.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying queue and records the job.
func (d *Dispatcher) Enqueue(ctx context.Context, job incident.Job) error {
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}

	d.mu.Lock()
	d.recent = append(d.recent, job)
	if len(d.recent) > recentJobsKept {
		d.recent = d.recent[len(d.recent)-recentJobsKept:]
	}
	d.mu.Unlock()
	return nil
}

// Depth reports the current queue depth.
func (d *Dispatcher) Depth(ctx context.Context) (int, error) {
	return d.queue.Depth(ctx)
}

// Recent returns the most recently enqueued jobs, newest last.
func (d *Dispatcher) Recent() []incident.Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]incident.Job, len(d.recent))
	copy(out, d.recent)
	return out
}
