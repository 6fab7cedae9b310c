package jobs

import (
	jobmetrics "github.com/ledgerkeep/ledgerkeep/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskOverdueScan flips past-due open documents to overdue.
	TaskOverdueScan = "ledger:overdue_scan"
	// TaskGLIntegrity verifies posted entries still balance.
	TaskGLIntegrity = "ledger:gl_integrity"
	// TaskReportWarmup precomputes the cached report payloads.
	TaskReportWarmup = "reports:warmup"
)
