package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGRepository reads audit rows from PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a read-side repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// TimelineWindow returns a filtered, newest-first window of audit rows.
func (r *PGRepository) TimelineWindow(ctx context.Context, filters TimelineFilters, limit, offset int) ([]TimelineRow, error) {
	query := `SELECT occurred_at, actor, action, entity, entity_id, meta FROM audit_logs WHERE 1=1`
	args := []any{}
	argNum := 1

	if !filters.From.IsZero() {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argNum)
		args = append(args, filters.From)
		argNum++
	}
	if !filters.To.IsZero() {
		query += fmt.Sprintf(" AND occurred_at <= $%d", argNum)
		args = append(args, filters.To)
		argNum++
	}
	if filters.Actor != "" {
		query += fmt.Sprintf(" AND actor = $%d", argNum)
		args = append(args, filters.Actor)
		argNum++
	}
	if filters.Entity != "" {
		query += fmt.Sprintf(" AND entity = $%d", argNum)
		args = append(args, filters.Entity)
		argNum++
	}
	if filters.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argNum)
		args = append(args, filters.Action)
		argNum++
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d", argNum, argNum+1)
	args = append(args, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TimelineRow
	for rows.Next() {
		var row TimelineRow
		var at time.Time
		var meta []byte
		if err := rows.Scan(&at, &row.Actor, &row.Action, &row.Entity, &row.EntityID, &meta); err != nil {
			return nil, err
		}
		row.At = at
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &row.Meta)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
