// Package queue provides the job queue backing the pipeline: a durable NATS
// JetStream implementation for production and an in-process channel
// implementation for tests and single-binary runs.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/jvilhena/vigia/internal/incident"
)

// ErrClosed is returned by operations on a closed queue.
var ErrClosed = errors.New("queue closed")

// Memory is an in-process Queue. Nak puts the job back at the end of the
// line, which is the same at-least-once contract the durable queue gives.
type Memory struct {
	mu     sync.Mutex
	ch     chan incident.Job
	closed bool
}

// NewMemory builds a Memory queue holding at most size pending jobs.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 1024
	}
	return &Memory{ch: make(chan incident.Job, size)}
}

// Enqueue adds a job, blocking while the queue is full.
func (m *Memory) Enqueue(ctx context.Context, job incident.Job) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ch := m.ch
	m.mu.Unlock()

	select {
	case ch <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until a job is available or the context ends.
func (m *Memory) Dequeue(ctx context.Context) (incident.Delivery, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return incident.Delivery{}, ErrClosed
	}
	ch := m.ch
	m.mu.Unlock()

	select {
	case job, ok := <-ch:
		if !ok {
			return incident.Delivery{}, ErrClosed
		}
		return incident.Delivery{
			Job: job,
			Ack: func() error { return nil },
			Nak: func() error {
				job.Attempt++
				return m.Enqueue(context.Background(), job)
			},
		}, nil
	case <-ctx.Done():
		return incident.Delivery{}, ctx.Err()
	}
}

// Depth reports the number of pending jobs.
func (m *Memory) Depth(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.ch), nil
}

// Close shuts the queue down. Pending jobs are dropped.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.ch)
	return nil
}
