// Package audit appends and reads the immutable change log.
//
// Rows are written through the same transaction as the write they describe:
// an audit record must never exist for a rolled-back operation, and a
// committed operation must never lack one. Rows are never updated or deleted.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ledgerkeep/ledgerkeep/internal/shared"
)

var errMissingFields = errors.New("audit: action, entity and entity id are required")

// Insert appends one audit row inside the caller's transaction.
func Insert(ctx context.Context, tx pgx.Tx, log shared.AuditLog) error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errMissingFields
	}
	meta, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	at := log.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = tx.Exec(ctx, `INSERT INTO audit_logs (actor, action, entity, entity_id, meta, occurred_at)
VALUES ($1,$2,$3,$4,$5,$6)`, log.Actor, log.Action, log.Entity, log.EntityID, meta, at)
	return err
}
