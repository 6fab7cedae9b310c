package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ledgerkeep/ledgerkeep/internal/reports"
)

// NewReportWarmupTask constructs an Asynq task that primes the report cache.
func NewReportWarmupTask() *asynq.Task {
	return asynq.NewTask(TaskReportWarmup, nil, asynq.Queue(QueueDefault))
}

// NewReportWarmupHandler computes the trial balance and AR aging so the
// first interactive request of the day hits a warm cache.
func NewReportWarmupHandler(svc *reports.Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := defaultJobMetrics.Track(TaskReportWarmup)
		asOf := time.Now()
		if _, err := svc.Trial(ctx, asOf); err != nil {
			return tracker.End(err)
		}
		if _, err := svc.Aging(ctx, asOf); err != nil {
			return tracker.End(err)
		}
		if logger != nil {
			logger.Info("report cache warmed", slog.Time("as_of", asOf))
		}
		return tracker.End(nil)
	}
}
