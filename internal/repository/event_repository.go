package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mathhhys/blue-byte-booster/internal/database"
	"github.com/mathhhys/blue-byte-booster/internal/model"
)

// ProcessedEventRepo stores one idempotency record per billing event id.
type ProcessedEventRepo struct {
	db *sql.DB
}

// NewProcessedEventRepo returns a repository bound to db.
func NewProcessedEventRepo(db *sql.DB) *ProcessedEventRepo { return &ProcessedEventRepo{db: db} }

// Get returns the record of an event id or ErrEventNotFound.
func (r *ProcessedEventRepo) Get(ctx context.Context, eventID string) (*model.ProcessedEvent, error) {
	var (
		ev          model.ProcessedEvent
		status      string
		payload     sql.NullString
		reason      sql.NullString
		granted     int
		processedAt int64
	)
	err := r.db.QueryRowContext(ctx, `SELECT event_id, event_type, status, payload, payload_hash,
			failure_reason, credit_granted, attempts, processed_at
		FROM processed_events WHERE event_id = ?`, eventID).
		Scan(&ev.EventID, &ev.EventType, &status, &payload, &ev.PayloadHash, &reason, &granted, &ev.Attempts, &processedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("get processed event: %w", err)
	}
	ev.Status = model.EventStatus(status)
	if payload.Valid {
		ev.Payload = []byte(payload.String)
	}
	ev.FailureReason = reason.String
	ev.CreditGranted = granted != 0
	ev.ProcessedAt = unixTime(processedAt)
	return &ev, nil
}

// MarkSuccess records that an event has been applied. An earlier failure
// record is upgraded in place.
func (r *ProcessedEventRepo) MarkSuccess(ctx context.Context, ev *model.ProcessedEvent) error {
	now := time.Now().UTC().Unix()
	granted := 0
	if ev.CreditGranted {
		granted = 1
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO processed_events
			(event_id, event_type, status, payload, payload_hash, failure_reason, credit_granted, attempts, processed_at)
		VALUES (?, ?, 'success', ?, ?, NULL, ?, 1, ?)`,
		ev.EventID, ev.EventType, nullString(string(ev.Payload)), ev.PayloadHash, granted, now)
	if err == nil {
		return nil
	}
	if !database.IsUniqueViolation(err) {
		return fmt.Errorf("record event success: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE processed_events
		SET status = 'success', event_type = ?, payload = COALESCE(?, payload), payload_hash = ?,
			failure_reason = NULL, credit_granted = ?, attempts = attempts + 1, processed_at = ?
		WHERE event_id = ?`,
		ev.EventType, nullString(string(ev.Payload)), ev.PayloadHash, granted, now, ev.EventID)
	if err != nil {
		return fmt.Errorf("record event success: %w", err)
	}
	return nil
}

// MarkFailed records a failed attempt. A success record is never
// downgraded, so a late failure from a concurrent delivery cannot undo it.
func (r *ProcessedEventRepo) MarkFailed(ctx context.Context, eventID, eventType, reason string) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.ExecContext(ctx, `INSERT INTO processed_events
			(event_id, event_type, status, payload, payload_hash, failure_reason, attempts, processed_at)
		VALUES (?, ?, 'failed', NULL, '', ?, 1, ?)`,
		eventID, eventType, reason, now)
	if err == nil {
		return nil
	}
	if !database.IsUniqueViolation(err) {
		return fmt.Errorf("record event failure: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `UPDATE processed_events
		SET failure_reason = ?, attempts = attempts + 1, processed_at = ?
		WHERE event_id = ? AND status <> 'success'`,
		reason, now, eventID)
	if err != nil {
		return fmt.Errorf("record event failure: %w", err)
	}
	return nil
}
