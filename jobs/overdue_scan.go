package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ledgerkeep/ledgerkeep/internal/ap"
	"github.com/ledgerkeep/ledgerkeep/internal/ar"
)

const overdueScanActor = "scheduler"

// OverdueScanPayload carries scheduling metadata.
type OverdueScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewOverdueScanTask constructs an Asynq task for the overdue scan.
func NewOverdueScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(OverdueScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOverdueScan, body, asynq.Queue(QueueDefault)), nil
}

// NewOverdueScanHandler flips past-due invoices and bills to overdue on both ledgers.
func NewOverdueScanHandler(arSvc *ar.Service, apSvc *ap.Service, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload OverdueScanPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		tracker := defaultJobMetrics.Track(TaskOverdueScan)
		asOf := payload.ScheduledFor
		if asOf.IsZero() {
			asOf = time.Now()
		}
		invoices, err := arSvc.RefreshOverdue(ctx, asOf, overdueScanActor)
		if err != nil {
			return tracker.End(err)
		}
		bills, err := apSvc.RefreshOverdue(ctx, asOf, overdueScanActor)
		if err != nil {
			return tracker.End(err)
		}
		if logger != nil {
			logger.Info("overdue scan complete",
				slog.Int("invoices", invoices),
				slog.Int("bills", bills),
				slog.Time("as_of", asOf))
		}
		return tracker.End(nil)
	}
}
