package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jvilhena/vigia/internal/metrics"
)

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresGate is a store-backed gate shared by every worker process. A
// single row per gate key holds the last request timestamp; claiming a slot
// is one atomic compare-and-advance UPDATE, so no two processes can claim
// slots closer together than the interval.
type PostgresGate struct {
	db       execer
	key      string
	interval time.Duration
	poll     time.Duration
}

// NewPostgresGate builds the gate and ensures its state row exists.
func NewPostgresGate(ctx context.Context, db execer, key string, interval time.Duration) (*PostgresGate, error) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	g := &PostgresGate{
		db:       db,
		key:      key,
		interval: interval,
		poll:     250 * time.Millisecond,
	}
	_, err := db.Exec(ctx, `
INSERT INTO feed_rate_gate (gate_key, last_request_at)
VALUES ($1, to_timestamp(0))
ON CONFLICT (gate_key) DO NOTHING`, key)
	if err != nil {
		return nil, fmt.Errorf("init rate gate row: %w", err)
	}
	return g, nil
}

// Wait blocks until this process claims the next request slot.
func (g *PostgresGate) Wait(ctx context.Context) error {
	start := time.Now()
	for {
		tag, err := g.db.Exec(ctx, `
UPDATE feed_rate_gate
SET last_request_at = now()
WHERE gate_key = $1
  AND last_request_at <= now() - $2::interval`,
			g.key, fmt.Sprintf("%f seconds", g.interval.Seconds()))
		if err != nil {
			return fmt.Errorf("rate gate claim: %w", err)
		}
		if tag.RowsAffected() == 1 {
			if d := time.Since(start); d > time.Millisecond {
				metrics.ObserveRateGateDelay(d)
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("rate gate wait: %w", ctx.Err())
		case <-time.After(g.poll):
		}
	}
}
