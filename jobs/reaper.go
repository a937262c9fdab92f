package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ReapAbandonedRuns marks runs stuck in running beyond the lease window as
// failed. A run only stays in running across the lease when its coordinator
// process died; the per-tenant lock has expired by then, so flipping the
// status in place is safe.
func ReapAbandonedRuns(ctx context.Context, logger *slog.Logger, pool *pgxpool.Pool, lease time.Duration) (int64, error) {
	if lease <= 0 {
		lease = 15 * time.Minute
	}
	cutoff := time.Now().UTC().Add(-lease)
	tag, err := pool.Exec(ctx, `UPDATE runs
SET status='failed', error_message='abandoned: exceeded running lease', completed_at=NOW()
WHERE status='running' AND started_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	reaped := tag.RowsAffected()
	if reaped > 0 && logger != nil {
		logger.Warn("reaped abandoned runs", slog.Int64("count", reaped))
	}
	return reaped, nil
}

// NewRunReapHandler builds the worker handler for the janitor task.
func NewRunReapHandler(logger *slog.Logger, pool *pgxpool.Pool, lease time.Duration) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		_, err := ReapAbandonedRuns(ctx, logger, pool, lease)
		return err
	}
}
