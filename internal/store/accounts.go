package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mailsync/internal/models"
)

// ErrAccountNotFound is returned when no account matches a lookup
var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `id, tenant_id, provider, email_address, access_token_enc, refresh_token_enc,
	access_token_expires_at, scopes, history_id, subscription_id, subscription_expires_at,
	last_push_at, last_synced_at, last_error, last_error_at, health_status, status,
	created_at, updated_at`

type accountRow struct {
	ID                    string         `db:"id"`
	TenantID              string         `db:"tenant_id"`
	Provider              string         `db:"provider"`
	EmailAddress          string         `db:"email_address"`
	AccessTokenEnc        string         `db:"access_token_enc"`
	RefreshTokenEnc       sql.NullString `db:"refresh_token_enc"`
	AccessTokenExpiresAt  *int64         `db:"access_token_expires_at"`
	Scopes                string         `db:"scopes"`
	HistoryID             sql.NullString `db:"history_id"`
	SubscriptionID        sql.NullString `db:"subscription_id"`
	SubscriptionExpiresAt *int64         `db:"subscription_expires_at"`
	LastPushAt            *int64         `db:"last_push_at"`
	LastSyncedAt          *int64         `db:"last_synced_at"`
	LastError             sql.NullString `db:"last_error"`
	LastErrorAt           *int64         `db:"last_error_at"`
	HealthStatus          string         `db:"health_status"`
	Status                string         `db:"status"`
	CreatedAt             int64          `db:"created_at"`
	UpdatedAt             int64          `db:"updated_at"`
}

func (r *accountRow) toModel() *models.Account {
	a := &models.Account{
		ID:                    r.ID,
		TenantID:              r.TenantID,
		Provider:              models.Provider(r.Provider),
		EmailAddress:          r.EmailAddress,
		AccessTokenEnc:        r.AccessTokenEnc,
		AccessTokenExpiresAt:  FromUnix(r.AccessTokenExpiresAt),
		Scopes:                strings.Fields(r.Scopes),
		HistoryID:             r.HistoryID.String,
		SubscriptionID:        r.SubscriptionID.String,
		SubscriptionExpiresAt: FromUnix(r.SubscriptionExpiresAt),
		LastPushAt:            FromUnix(r.LastPushAt),
		LastSyncedAt:          FromUnix(r.LastSyncedAt),
		LastError:             r.LastError.String,
		LastErrorAt:           FromUnix(r.LastErrorAt),
		HealthStatus:          models.HealthStatus(r.HealthStatus),
		Status:                models.AccountStatus(r.Status),
		CreatedAt:             time.Unix(r.CreatedAt, 0).UTC(),
		UpdatedAt:             time.Unix(r.UpdatedAt, 0).UTC(),
	}
	if r.RefreshTokenEnc.Valid {
		s := r.RefreshTokenEnc.String
		a.RefreshTokenEnc = &s
	}
	return a
}

// WatchUpdate is the result of a watch or subscription renewal
type WatchUpdate struct {
	HistoryID      string
	SubscriptionID string
	ExpiresAt      *time.Time
	Health         models.HealthStatus
}

// AccountRepository reads and writes mail_accounts
type AccountRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewAccountRepository creates an account repository
func NewAccountRepository(db *sqlx.DB) *AccountRepository {
	return &AccountRepository{db: db, now: time.Now}
}

// Upsert inserts a connected account or refreshes the credentials of an existing one.
// A nil refresh token keeps the stored one.
func (r *AccountRepository) Upsert(ctx context.Context, a *models.Account) (string, error) {
	now := r.now().Unix()
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}

	var refresh any
	if a.RefreshTokenEnc != nil && *a.RefreshTokenEnc != "" {
		refresh = *a.RefreshTokenEnc
	}

	var storedID string
	err := r.db.QueryRowxContext(ctx, r.db.Rebind(`
		INSERT INTO mail_accounts (id, tenant_id, provider, email_address, access_token_enc, refresh_token_enc,
			access_token_expires_at, scopes, health_status, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'ok', 'connected', ?, ?)
		ON CONFLICT (tenant_id, provider, email_address) DO UPDATE SET
			access_token_enc = excluded.access_token_enc,
			refresh_token_enc = COALESCE(excluded.refresh_token_enc, mail_accounts.refresh_token_enc),
			access_token_expires_at = excluded.access_token_expires_at,
			scopes = excluded.scopes,
			health_status = 'ok',
			status = 'connected',
			last_error = NULL,
			last_error_at = NULL,
			updated_at = excluded.updated_at
		RETURNING id
	`), id, a.TenantID, string(a.Provider), normalizeAddress(a.EmailAddress), a.AccessTokenEnc, refresh,
		Unix(a.AccessTokenExpiresAt), strings.Join(a.Scopes, " "), now, now).Scan(&storedID)
	if err != nil {
		return "", fmt.Errorf("failed to upsert account: %w", err)
	}
	return storedID, nil
}

func (r *AccountRepository) getOne(ctx context.Context, where string, args ...any) (*models.Account, error) {
	var row accountRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind("SELECT "+accountColumns+" FROM mail_accounts WHERE "+where), args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return row.toModel(), nil
}

func (r *AccountRepository) list(ctx context.Context, where string, args ...any) ([]*models.Account, error) {
	var rows []accountRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind("SELECT "+accountColumns+" FROM mail_accounts WHERE "+where+" ORDER BY created_at, id"), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts := make([]*models.Account, 0, len(rows))
	for i := range rows {
		accounts = append(accounts, rows[i].toModel())
	}
	return accounts, nil
}

// GetByID loads an account by primary key
func (r *AccountRepository) GetByID(ctx context.Context, id string) (*models.Account, error) {
	return r.getOne(ctx, "id = ?", id)
}

// ListByProviderAddress resolves a push notification address to every tenant
// that has the mailbox connected
func (r *AccountRepository) ListByProviderAddress(ctx context.Context, provider models.Provider, address string) ([]*models.Account, error) {
	return r.list(ctx, "provider = ? AND email_address = ? AND status = 'connected'",
		string(provider), normalizeAddress(address))
}

// GetBySubscriptionID resolves a Graph subscription to its account
func (r *AccountRepository) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Account, error) {
	return r.getOne(ctx, "subscription_id = ? AND status = 'connected'", subscriptionID)
}

// ListConnected returns every connected account
func (r *AccountRepository) ListConnected(ctx context.Context) ([]*models.Account, error) {
	return r.list(ctx, "status = 'connected'")
}

// ListByTenant returns all accounts of a tenant, including disconnected ones
func (r *AccountRepository) ListByTenant(ctx context.Context, tenantID string) ([]*models.Account, error) {
	return r.list(ctx, "tenant_id = ?", tenantID)
}

func (r *AccountRepository) exec(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateTokens stores a refreshed access token. refreshEnc is written only when non-nil.
func (r *AccountRepository) UpdateTokens(ctx context.Context, id, accessEnc string, expiresAt *time.Time, refreshEnc *string) error {
	if refreshEnc != nil {
		return r.exec(ctx, "update tokens", `
			UPDATE mail_accounts
			SET access_token_enc = ?, access_token_expires_at = ?, refresh_token_enc = ?, updated_at = ?
			WHERE id = ?
		`, accessEnc, Unix(expiresAt), *refreshEnc, r.now().Unix(), id)
	}
	return r.exec(ctx, "update tokens", `
		UPDATE mail_accounts
		SET access_token_enc = ?, access_token_expires_at = ?, updated_at = ?
		WHERE id = ?
	`, accessEnc, Unix(expiresAt), r.now().Unix(), id)
}

// UpdateHistoryID moves the Gmail cursor
func (r *AccountRepository) UpdateHistoryID(ctx context.Context, id, historyID string) error {
	return r.exec(ctx, "update history id", `
		UPDATE mail_accounts SET history_id = ?, updated_at = ? WHERE id = ?
	`, nullString(historyID), r.now().Unix(), id)
}

// MarkSynced records a successful sync pass
func (r *AccountRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "mark synced", `
		UPDATE mail_accounts SET last_synced_at = ?, updated_at = ? WHERE id = ?
	`, at.Unix(), r.now().Unix(), id)
}

// TouchPush records the arrival of a push notification
func (r *AccountRepository) TouchPush(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, "touch push", `
		UPDATE mail_accounts SET last_push_at = ?, updated_at = ? WHERE id = ?
	`, at.Unix(), r.now().Unix(), id)
}

// UpdateWatch persists a renewed watch or subscription and clears the error state.
// A history id is only adopted when the account has no cursor yet; moving an
// existing cursor is left to UpdateHistoryID.
func (r *AccountRepository) UpdateWatch(ctx context.Context, id string, w WatchUpdate) error {
	health := w.Health
	if health == "" {
		health = models.HealthOK
	}
	return r.exec(ctx, "update watch", `
		UPDATE mail_accounts
		SET history_id = COALESCE(history_id, ?),
		    subscription_id = COALESCE(?, subscription_id),
		    subscription_expires_at = ?,
		    health_status = ?,
		    last_error = NULL,
		    last_error_at = NULL,
		    updated_at = ?
		WHERE id = ?
	`, nullString(w.HistoryID), nullString(w.SubscriptionID), Unix(w.ExpiresAt), string(health), r.now().Unix(), id)
}

// RecordError stores the latest failure. Health changes only when given.
func (r *AccountRepository) RecordError(ctx context.Context, id, msg string, health *models.HealthStatus) error {
	now := r.now().Unix()
	if health != nil {
		return r.exec(ctx, "record error", `
			UPDATE mail_accounts SET last_error = ?, last_error_at = ?, health_status = ?, updated_at = ? WHERE id = ?
		`, msg, now, string(*health), now, id)
	}
	return r.exec(ctx, "record error", `
		UPDATE mail_accounts SET last_error = ?, last_error_at = ?, updated_at = ? WHERE id = ?
	`, msg, now, now, id)
}

// Disconnect marks an account as disconnected. The row and its events stay.
func (r *AccountRepository) Disconnect(ctx context.Context, id string) error {
	return r.exec(ctx, "disconnect account", `
		UPDATE mail_accounts SET status = 'disconnected', updated_at = ? WHERE id = ?
	`, r.now().Unix(), id)
}

func normalizeAddress(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
