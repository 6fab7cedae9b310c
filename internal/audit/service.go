package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

// TimelineFilters narrows the audit timeline query.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Actor    string
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// TimelineRow is one rendered audit record.
type TimelineRow struct {
	At       time.Time      `json:"at"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Result wraps timeline rows with paging information.
type Result struct {
	Rows   []TimelineRow
	Paging shared.PagingInfo
}

// Repository exposes the timeline queries.
type Repository interface {
	TimelineWindow(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error)
}

// Service coordinates audit timeline reads.
type Service struct {
	repo Repository
}

// NewService constructs an audit timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline fetches audit rows with paging. It asks for one extra row to know
// whether a next page exists.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	page, pageSize := shared.ClampPage(filters.Page, filters.PageSize, 50)
	offset := (page - 1) * pageSize
	filters.Actor = strings.TrimSpace(filters.Actor)
	filters.Entity = strings.TrimSpace(filters.Entity)
	filters.Action = strings.TrimSpace(filters.Action)

	rows, err := s.repo.TimelineWindow(ctx, filters, pageSize+1, offset)
	if err != nil {
		return Result{}, err
	}
	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := shared.PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}
