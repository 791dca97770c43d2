package incident

import (
	"context"
	"time"
)

// Stage names the four pipeline stages driven by the job queue.
type Stage string

// Pipeline stages in order.
const (
	StageDiscover Stage = "discover"
	StageDownload Stage = "download"
	StageExtract  Stage = "extract"
	StageEnrich   Stage = "enrich"
)

// Job is one unit of queued work. A job either targets a single item
// (SourceID / RawEventID set) or a bounded batch (Limit set); per-item jobs
// are what each successful stage transition enqueues downstream.
type Job struct {
	ID         string    `json:"id"`
	Stage      Stage     `json:"stage"`
	Region     string    `json:"region,omitempty"`
	SourceID   int64     `json:"source_id,omitempty"`
	RawEventID int64     `json:"raw_event_id,omitempty"`
	Limit      int       `json:"limit,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Delivery wraps a dequeued job with its acknowledgement hooks. At-least-once
// queues redeliver jobs that are not acked; stage idempotency makes that safe.
type Delivery struct {
	Job Job

	// Ack marks the job done. Nak requests redelivery.
	Ack func() error
	Nak func() error
}

// Queue provides durable enqueue/dequeue semantics for pipeline jobs.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Dequeue(ctx context.Context) (Delivery, error)
	Depth(ctx context.Context) (int, error)
	Close() error
}
