package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/jvilhena/vigia/internal/incident"
)

// NATSConfig names the JetStream stream and durable consumer.
type NATSConfig struct {
	URL     string
	Stream  string
	Subject string
	Durable string
}

// NATS is a durable Queue on JetStream. Work-queue retention plus manual
// acks give at-least-once delivery; unacked jobs are redelivered after
// AckWait, which the stages' idempotent transitions make harmless.
type NATS struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
	subject string
	logger  *zap.Logger
}

// NewNATS connects to the configured URL and ensures the stream and durable
// pull consumer exist.
func NewNATS(cfg NATSConfig, logger *zap.Logger) (*NATS, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Stream == "" {
		cfg.Stream = "VIGIA_JOBS"
	}
	if cfg.Subject == "" {
		cfg.Subject = "vigia.jobs"
	}
	if cfg.Durable == "" {
		cfg.Durable = "vigia-workers"
	}
	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.Subject + ".>"},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}

	sub, err := js.PullSubscribe(cfg.Subject+".>", cfg.Durable,
		nats.ManualAck(),
		nats.AckWait(5*time.Minute),
	)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create pull consumer: %w", err)
	}

	return &NATS{nc: nc, js: js, sub: sub, subject: cfg.Subject, logger: logger}, nil
}

// Enqueue publishes a job under its stage subject.
func (q *NATS) Enqueue(ctx context.Context, job incident.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", q.subject, job.Stage)
	if _, err := q.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Dequeue fetches one job, blocking until a message arrives or ctx ends.
func (q *NATS) Dequeue(ctx context.Context) (incident.Delivery, error) {
	for {
		msgs, err := q.sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return incident.Delivery{}, ctx.Err()
			}
			return incident.Delivery{}, fmt.Errorf("fetch job: %w", err)
		}
		if len(msgs) == 0 {
			continue
		}
		msg := msgs[0]

		var job incident.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			// Poison message; ack so it stops cycling.
			q.logger.Error("dropping undecodable job", zap.Error(err))
			if ackErr := msg.Ack(); ackErr != nil {
				q.logger.Warn("ack undecodable job", zap.Error(ackErr))
			}
			continue
		}

		if attempt, ok := deliveryAttempt(msg); ok {
			job.Attempt = attempt
		}

		return incident.Delivery{
			Job: job,
			Ack: func() error { return msg.Ack() },
			Nak: func() error { return msg.Nak() },
		}, nil
	}
}

// deliveryAttempt derives the prior-attempt count from JetStream delivery
// metadata. Redeliveries carry the original payload unchanged, so the
// payload's own attempt field never moves; NumDelivered does.
func deliveryAttempt(msg *nats.Msg) (int, bool) {
	meta, err := msg.Metadata()
	if err != nil || meta.NumDelivered < 1 {
		return 0, false
	}
	return int(meta.NumDelivered) - 1, true
}

// Depth reports messages waiting for delivery on the durable consumer.
func (q *NATS) Depth(ctx context.Context) (int, error) {
	info, err := q.sub.ConsumerInfo()
	if err != nil {
		return 0, fmt.Errorf("consumer info: %w", err)
	}
	return int(info.NumPending) + info.NumAckPending, nil
}

// Close drains the subscription and closes the connection.
func (q *NATS) Close() error {
	if err := q.sub.Drain(); err != nil {
		q.logger.Warn("drain subscription", zap.Error(err))
	}
	q.nc.Close()
	return nil
}
