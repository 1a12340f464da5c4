// Package eventstore is the idempotency ledger for inbound and outbound mail.
//
// The unique index on (account_id, provider_message_id) decides which concurrent
// notification owns a message. A second conditional update (received -> processing)
// decides which worker runs it. No other locking is used.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

var (
	// ErrEventNotFound is returned when no event matches a lookup
	ErrEventNotFound = errors.New("event not found")
	// ErrEventInFlight is returned when a worker still owns a processing event
	ErrEventInFlight = errors.New("event is still being processed")
)

// DefaultStuckAfter is how long a processing row is considered in flight
const DefaultStuckAfter = 15 * time.Minute

// Metadata keys written by the pipeline
const (
	MetaInternetMessageID = "internet_message_id"
	MetaInReplyTo         = "in_reply_to"
	MetaReplyToEventID    = "reply_to_event_id"
)

// InboundKey identifies a message announced by a push notification
type InboundKey struct {
	AccountID         string
	TenantID          string
	Provider          models.Provider
	ProviderMessageID string
	ProviderThreadID  string
	ReceivedAt        time.Time
}

// Claim is the result of InitInboundEvent
type Claim struct {
	EventID       string
	ShouldProcess bool
}

// OutboundRecord describes a reply we attempted to send
type OutboundRecord struct {
	AccountID         string
	TenantID          string
	Provider          models.Provider
	ProviderMessageID string // empty when the send failed
	ProviderThreadID  string
	Envelope          models.Envelope
	BodyText          string
	Status            models.EventStatus
	LastError         string
	Metadata          map[string]any
	JobID             string
	OccurredAt        time.Time
}

// Ledger stores mail_events rows
type Ledger struct {
	db         *sqlx.DB
	stuckAfter time.Duration
	now        func() time.Time
}

// New creates a ledger. stuckAfter <= 0 uses DefaultStuckAfter.
func New(db *sqlx.DB, stuckAfter time.Duration) *Ledger {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckAfter
	}
	return &Ledger{db: db, stuckAfter: stuckAfter, now: time.Now}
}

// InitInboundEvent claims a message for processing. It returns ShouldProcess=false
// for messages already processed or in flight, and for lost insert races.
func (l *Ledger) InitInboundEvent(ctx context.Context, key InboundKey) (Claim, error) {
	now := l.now()

	var existing struct {
		ID                  string `db:"id"`
		Status              string `db:"status"`
		ProcessingStartedAt *int64 `db:"processing_started_at"`
		UpdatedAt           int64  `db:"updated_at"`
	}
	err := l.db.GetContext(ctx, &existing, l.db.Rebind(`
		SELECT id, status, processing_started_at, updated_at FROM mail_events
		WHERE account_id = ? AND provider_message_id = ?
	`), key.AccountID, key.ProviderMessageID)

	switch {
	case err == nil:
		return l.reclaim(ctx, existing.ID, models.EventStatus(existing.Status), existing.ProcessingStartedAt, existing.UpdatedAt, now)
	case !errors.Is(err, sql.ErrNoRows):
		return Claim{}, fmt.Errorf("failed to look up event: %w", err)
	}

	receivedAt := key.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = now
	}

	id := uuid.NewString()
	_, err = l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO mail_events (id, account_id, tenant_id, provider, provider_message_id, provider_thread_id,
			direction, occurred_at, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'inbound', ?, 'received', 0, ?, ?)
	`), id, key.AccountID, key.TenantID, string(key.Provider), key.ProviderMessageID, nullString(key.ProviderThreadID),
		receivedAt.Unix(), now.Unix(), now.Unix())
	if err != nil {
		if store.IsUniqueViolation(err) {
			// Another notification won the insert
			return Claim{ShouldProcess: false}, nil
		}
		return Claim{}, fmt.Errorf("failed to insert event: %w", err)
	}

	return Claim{EventID: id, ShouldProcess: true}, nil
}

func (l *Ledger) reclaim(ctx context.Context, id string, status models.EventStatus, startedAt *int64, updatedAt int64, now time.Time) (Claim, error) {
	switch status {
	case models.EventProcessed:
		return Claim{EventID: id}, nil
	case models.EventProcessing:
		if startedAt != nil && now.Sub(time.Unix(*startedAt, 0)) < l.stuckAfter {
			return Claim{EventID: id}, nil
		}
	case models.EventReceived:
		// Freshly claimed by another notification; the watchdog picks it up if it stalls
		if now.Sub(time.Unix(updatedAt, 0)) < l.stuckAfter {
			return Claim{EventID: id}, nil
		}
	}

	// Reset so a replayed notification retries the message
	res, err := l.db.ExecContext(ctx, l.db.Rebind(`
		UPDATE mail_events SET status = 'received', processing_started_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND updated_at = ?
	`), now.Unix(), id, string(status), updatedAt)
	if err != nil {
		return Claim{}, fmt.Errorf("failed to reset event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Claim{}, fmt.Errorf("failed to reset event: %w", err)
	}
	return Claim{EventID: id, ShouldProcess: n == 1}, nil
}

// BeginProcessing moves a received event to processing. Only one caller gets true.
func (l *Ledger) BeginProcessing(ctx context.Context, id string) (bool, error) {
	now := l.now().Unix()
	res, err := l.db.ExecContext(ctx, l.db.Rebind(`
		UPDATE mail_events
		SET status = 'processing', attempts = attempts + 1, processing_started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'received'
	`), now, now, id)
	if err != nil {
		return false, fmt.Errorf("failed to begin processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to begin processing: %w", err)
	}
	return n == 1, nil
}

// MarkProcessed stores the fetched message content and completes the event
func (l *Ledger) MarkProcessed(ctx context.Context, id string, msg *models.Message) error {
	if msg == nil {
		return l.update(ctx, "mark processed", `
			UPDATE mail_events SET status = 'processed', last_error = NULL, updated_at = ? WHERE id = ?
		`, l.now().Unix(), id)
	}

	to, cc, attachments, err := encodeContent(msg.To, msg.Cc, msg.Attachments)
	if err != nil {
		return err
	}
	occurred := msg.ReceivedAt
	if occurred.IsZero() {
		occurred = l.now()
	}

	ev, err := l.Get(ctx, id)
	if err != nil {
		return err
	}
	merged := orEmpty(ev.Metadata)
	if msg.InternetMessageID != "" {
		merged[MetaInternetMessageID] = msg.InternetMessageID
	}
	meta, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	return l.update(ctx, "mark processed", `
		UPDATE mail_events
		SET status = 'processed', last_error = NULL,
		    provider_thread_id = COALESCE(?, provider_thread_id),
		    from_address = ?, to_addresses = ?, cc_addresses = ?, subject = ?,
		    body_text = ?, body_html = ?, attachments = ?, metadata = ?, occurred_at = ?, updated_at = ?
		WHERE id = ?
	`, nullString(msg.ProviderThreadID), msg.From, to, cc, msg.Subject,
		msg.BodyText, msg.BodyHTML, attachments, string(meta), occurred.Unix(), l.now().Unix(), id)
}

// MarkError records a processing failure on the event
func (l *Ledger) MarkError(ctx context.Context, id, msg string) error {
	return l.update(ctx, "mark error", `
		UPDATE mail_events SET status = 'error', last_error = ?, updated_at = ? WHERE id = ?
	`, msg, l.now().Unix(), id)
}

// RecordOutbound stores a processed or failed outbound reply
func (l *Ledger) RecordOutbound(ctx context.Context, rec OutboundRecord) (string, error) {
	status := rec.Status
	if status == "" {
		status = models.EventProcessed
	}
	occurred := rec.OccurredAt
	if occurred.IsZero() {
		occurred = l.now()
	}

	to, cc, attachments, err := encodeContent(rec.Envelope.To, rec.Envelope.Cc, nil)
	if err != nil {
		return "", err
	}
	meta, err := json.Marshal(orEmpty(rec.Metadata))
	if err != nil {
		return "", fmt.Errorf("failed to encode metadata: %w", err)
	}

	id := uuid.NewString()
	now := l.now().Unix()
	_, err = l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO mail_events (id, account_id, tenant_id, provider, provider_message_id, provider_thread_id,
			direction, from_address, to_addresses, cc_addresses, subject, body_text, attachments,
			occurred_at, status, attempts, last_error, metadata, job_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'outbound', ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, ?, ?)
	`), id, rec.AccountID, rec.TenantID, string(rec.Provider), nullString(rec.ProviderMessageID), nullString(rec.ProviderThreadID),
		rec.Envelope.From, to, cc, rec.Envelope.Subject, rec.BodyText, attachments,
		occurred.Unix(), string(status), nullString(rec.LastError), string(meta), nullString(rec.JobID), now, now)
	if err != nil {
		return "", fmt.Errorf("failed to record outbound event: %w", err)
	}
	return id, nil
}

// LinkJob attaches a downstream job id and merges metadata into an event
func (l *Ledger) LinkJob(ctx context.Context, id, jobID string, metadata map[string]any) error {
	ev, err := l.Get(ctx, id)
	if err != nil {
		return err
	}

	merged := orEmpty(ev.Metadata)
	for k, v := range metadata {
		merged[k] = v
	}
	meta, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	return l.update(ctx, "link job", `
		UPDATE mail_events SET job_id = COALESCE(?, job_id), metadata = ?, updated_at = ? WHERE id = ?
	`, nullString(jobID), string(meta), l.now().Unix(), id)
}

func (l *Ledger) update(ctx context.Context, op, query string, args ...any) error {
	res, err := l.db.ExecContext(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrEventNotFound
	}
	return nil
}

func encodeContent(to, cc []string, attachments []models.Attachment) (string, string, string, error) {
	if to == nil {
		to = []string{}
	}
	if cc == nil {
		cc = []string{}
	}
	if attachments == nil {
		attachments = []models.Attachment{}
	}
	toJSON, err := json.Marshal(to)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode recipients: %w", err)
	}
	ccJSON, err := json.Marshal(cc)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode recipients: %w", err)
	}
	attJSON, err := json.Marshal(attachments)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to encode attachments: %w", err)
	}
	return string(toJSON), string(ccJSON), string(attJSON), nil
}

func orEmpty(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
