package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

const eventColumns = `id, account_id, tenant_id, provider, provider_message_id, provider_thread_id, direction,
	from_address, to_addresses, cc_addresses, subject, body_text, body_html, attachments, occurred_at,
	status, attempts, last_error, metadata, job_id, processing_started_at, created_at, updated_at`

type eventRow struct {
	ID                  string         `db:"id"`
	AccountID           string         `db:"account_id"`
	TenantID            string         `db:"tenant_id"`
	Provider            string         `db:"provider"`
	ProviderMessageID   sql.NullString `db:"provider_message_id"`
	ProviderThreadID    sql.NullString `db:"provider_thread_id"`
	Direction           string         `db:"direction"`
	FromAddress         string         `db:"from_address"`
	ToAddresses         string         `db:"to_addresses"`
	CcAddresses         string         `db:"cc_addresses"`
	Subject             string         `db:"subject"`
	BodyText            string         `db:"body_text"`
	BodyHTML            string         `db:"body_html"`
	Attachments         string         `db:"attachments"`
	OccurredAt          int64          `db:"occurred_at"`
	Status              string         `db:"status"`
	Attempts            int            `db:"attempts"`
	LastError           sql.NullString `db:"last_error"`
	Metadata            string         `db:"metadata"`
	JobID               sql.NullString `db:"job_id"`
	ProcessingStartedAt *int64         `db:"processing_started_at"`
	CreatedAt           int64          `db:"created_at"`
	UpdatedAt           int64          `db:"updated_at"`
}

func (r *eventRow) toModel() (*models.Event, error) {
	ev := &models.Event{
		ID:                  r.ID,
		AccountID:           r.AccountID,
		TenantID:            r.TenantID,
		Provider:            models.Provider(r.Provider),
		ProviderMessageID:   r.ProviderMessageID.String,
		ProviderThreadID:    r.ProviderThreadID.String,
		Direction:           models.Direction(r.Direction),
		BodyText:            r.BodyText,
		BodyHTML:            r.BodyHTML,
		OccurredAt:          time.Unix(r.OccurredAt, 0).UTC(),
		Status:              models.EventStatus(r.Status),
		Attempts:            r.Attempts,
		LastError:           r.LastError.String,
		JobID:               r.JobID.String,
		ProcessingStartedAt: store.FromUnix(r.ProcessingStartedAt),
		CreatedAt:           time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:           time.Unix(r.UpdatedAt, 0).UTC(),
	}
	ev.From = r.FromAddress
	ev.Subject = r.Subject

	if err := json.Unmarshal([]byte(r.ToAddresses), &ev.To); err != nil {
		return nil, fmt.Errorf("failed to decode to_addresses of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.CcAddresses), &ev.Cc); err != nil {
		return nil, fmt.Errorf("failed to decode cc_addresses of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Attachments), &ev.Attachments); err != nil {
		return nil, fmt.Errorf("failed to decode attachments of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.Metadata), &ev.Metadata); err != nil {
		return nil, fmt.Errorf("failed to decode metadata of %s: %w", r.ID, err)
	}
	return ev, nil
}

// Get loads one event
func (l *Ledger) Get(ctx context.Context, id string) (*models.Event, error) {
	var row eventRow
	err := l.db.GetContext(ctx, &row, l.db.Rebind("SELECT "+eventColumns+" FROM mail_events WHERE id = ?"), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return row.toModel()
}

// FindLatestInboundByJob returns the newest inbound event linked to a job
func (l *Ledger) FindLatestInboundByJob(ctx context.Context, tenantID, jobID string) (*models.Event, error) {
	var row eventRow
	err := l.db.GetContext(ctx, &row, l.db.Rebind(`SELECT `+eventColumns+` FROM mail_events
		WHERE tenant_id = ? AND job_id = ? AND direction = 'inbound'
		ORDER BY occurred_at DESC, created_at DESC LIMIT 1`), tenantID, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to load event by job: %w", err)
	}
	return row.toModel()
}

// ListRedrivable returns inbound events stuck in processing, or left received,
// for longer than olderThan
func (l *Ledger) ListRedrivable(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := l.now().Add(-olderThan).Unix()

	var rows []eventRow
	err := l.db.SelectContext(ctx, &rows, l.db.Rebind(`SELECT `+eventColumns+` FROM mail_events
		WHERE direction = 'inbound'
		  AND ((status = 'processing' AND processing_started_at <= ?) OR (status = 'received' AND updated_at <= ?))
		ORDER BY updated_at
		LIMIT ?`), cutoff, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list redrivable events: %w", err)
	}

	events := make([]*models.Event, 0, len(rows))
	for i := range rows {
		ev, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// ResetForRedrive puts an error, received or stuck event back into received.
// A processing event younger than the stuck timeout still belongs to its worker
// and yields ErrEventInFlight.
func (l *Ledger) ResetForRedrive(ctx context.Context, id string) error {
	now := l.now()
	res, err := l.db.ExecContext(ctx, l.db.Rebind(`
		UPDATE mail_events SET status = 'received', processing_started_at = NULL, updated_at = ?
		WHERE id = ? AND status != 'processed'
		  AND (status != 'processing' OR processing_started_at IS NULL OR processing_started_at <= ?)
	`), now.Unix(), id, now.Add(-l.stuckAfter).Unix())
	if err != nil {
		return fmt.Errorf("failed to reset event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reset event: %w", err)
	}
	if n == 1 {
		return nil
	}

	var status string
	err = l.db.GetContext(ctx, &status, l.db.Rebind(`SELECT status FROM mail_events WHERE id = ?`), id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrEventNotFound
	case err != nil:
		return fmt.Errorf("failed to reset event: %w", err)
	case models.EventStatus(status) == models.EventProcessing:
		return ErrEventInFlight
	}
	return ErrEventNotFound
}
