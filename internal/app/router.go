package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/ledgerkeep/ledgerkeep/internal/ap"
	"github.com/ledgerkeep/ledgerkeep/internal/ar"
	"github.com/ledgerkeep/ledgerkeep/internal/audit"
	"github.com/ledgerkeep/ledgerkeep/internal/auth"
	"github.com/ledgerkeep/ledgerkeep/internal/fiscal"
	"github.com/ledgerkeep/ledgerkeep/internal/ledger"
	"github.com/ledgerkeep/ledgerkeep/internal/observability"
	"github.com/ledgerkeep/ledgerkeep/internal/recon"
	"github.com/ledgerkeep/ledgerkeep/internal/reports"
	"github.com/ledgerkeep/ledgerkeep/internal/sysaccount"
	"github.com/ledgerkeep/ledgerkeep/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	AuthHandler       *auth.Handler
	LedgerHandler     *ledger.Handler
	FiscalHandler     *fiscal.Handler
	ARHandler         *ar.Handler
	APHandler         *ap.Handler
	ReconHandler      *recon.Handler
	ReportsHandler    *reports.Handler
	AuditHandler      *audit.Handler
	SysAccountHandler *sysaccount.Handler
	JobsHandler       *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with LedgerKeep defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Handle("/metrics", params.Metrics.Handler())
	}

	r.Route("/auth", params.AuthHandler.MountRoutes)

	r.Group(func(r chi.Router) {
		r.Use(params.AuthHandler.RequireSession)

		r.Route("/ledger", params.LedgerHandler.MountRoutes)
		r.Route("/fiscal", params.FiscalHandler.MountRoutes)
		r.Route("/ar", params.ARHandler.MountRoutes)
		r.Route("/ap", params.APHandler.MountRoutes)
		r.Route("/reconciliations", params.ReconHandler.MountRoutes)
		r.Route("/reports", params.ReportsHandler.MountRoutes)
		r.Route("/audit", params.AuditHandler.MountRoutes)
		r.Route("/system-accounts", params.SysAccountHandler.MountRoutes)
		if params.JobsHandler != nil {
			r.Route("/jobs", params.JobsHandler.MountRoutes)
		}
	})

	return r
}
