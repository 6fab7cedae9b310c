package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// NewGLIntegrityTask constructs an Asynq task for the integrity check.
func NewGLIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskGLIntegrity, nil, asynq.Queue(QueueDefault))
}

// NewGLIntegrityHandler scans posted entries for debit/credit drift.
func NewGLIntegrityHandler(pool *pgxpool.Pool, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := defaultJobMetrics.Track(TaskGLIntegrity)
		return tracker.End(runGLIntegrity(ctx, pool, logger))
	}
}

func runGLIntegrity(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	rows, err := pool.Query(ctx, `
		SELECT e.id, COALESCE(SUM(l.debit), 0) - COALESCE(SUM(l.credit), 0) AS drift
		FROM journal_entries e
		JOIN journal_lines l ON l.entry_id = e.id
		WHERE e.status = 'POSTED'
		GROUP BY e.id
		HAVING ABS(COALESCE(SUM(l.debit), 0) - COALESCE(SUM(l.credit), 0)) > $1`,
		shared.Epsilon)
	if err != nil {
		return fmt.Errorf("gl integrity query: %w", err)
	}
	defer rows.Close()

	unbalanced := 0
	for rows.Next() {
		var entryID int64
		var drift float64
		if err := rows.Scan(&entryID, &drift); err != nil {
			return fmt.Errorf("gl integrity scan: %w", err)
		}
		unbalanced++
		defaultJobMetrics.AddDrift(entryID, 1)
		if logger != nil {
			logger.Error("posted entry out of balance",
				slog.Int64("entry_id", entryID),
				slog.Float64("drift", drift))
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("gl integrity rows: %w", err)
	}
	if unbalanced > 0 {
		return fmt.Errorf("gl integrity: %d posted entries out of balance", unbalanced)
	}
	if logger != nil {
		logger.Info("gl integrity check passed")
	}
	return nil
}
