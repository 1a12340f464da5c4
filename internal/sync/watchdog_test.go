package sync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/eventstore"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

func newWatchdog(p *pipeline, opts WatchdogOptions) *Watchdog {
	opts.Logger = p.log
	return NewWatchdog(p.accounts, p.ledger, p.tokens, p.providers(), p.dispatcher, opts)
}

func sweepFor(t *testing.T, report *SweepReport, accountID string) AccountSweep {
	t.Helper()
	for _, a := range report.Accounts {
		if a.AccountID == accountID {
			return a
		}
	}
	t.Fatalf("no sweep result for %s", accountID)
	return AccountSweep{}
}

func TestWatchdogSkipsRecentErrors(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	acc := p.addAccount(t, models.ProviderGoogle, "tenant-1", "ops@example.com")
	require.NoError(t, p.accounts.RecordError(ctx, acc.ID, "history failed", nil))

	w := newWatchdog(p, WatchdogOptions{})
	w.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	report, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionSkippedBackoff, sweepFor(t, report, acc.ID).Action)
	assert.Zero(t, p.gmail.watchCalls)
}

func TestWatchdogRenewsDueWatch(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	acc := p.addAccount(t, models.ProviderGoogle, "tenant-1", "ops@example.com")
	require.NoError(t, p.accounts.UpdateHistoryID(ctx, acc.ID, "120"))

	report, err := newWatchdog(p, WatchdogOptions{}).Sweep(ctx)
	require.NoError(t, err)

	res := sweepFor(t, report, acc.ID)
	assert.Equal(t, ActionRenewed, res.Action)
	assert.Equal(t, models.HealthOK, res.Status)
	assert.Equal(t, 1, p.gmail.watchCalls)

	stored := p.reload(t, acc.ID)
	assert.Equal(t, "120", stored.HistoryID)
	require.NotNil(t, stored.SubscriptionExpiresAt)
	assert.True(t, stored.SubscriptionExpiresAt.After(time.Now().Add(24*time.Hour)))
}

func TestWatchdogRenewalKeepsCursorMovedByPush(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	acc := p.addAccount(t, models.ProviderGoogle, "tenant-1", "ops@example.com")
	require.NoError(t, p.accounts.UpdateHistoryID(ctx, acc.ID, "100"))

	// A push advances the cursor while the watch is being renewed
	p.gmail.duringWatch = func() {
		assert.NoError(t, p.accounts.UpdateHistoryID(ctx, acc.ID, "200"))
	}
	// Even a provider echoing a cursor back must not roll it back
	exp := time.Now().Add(7 * 24 * time.Hour)
	p.gmail.watch = &WatchState{HistoryID: "100", ExpiresAt: &exp, Renewed: true}

	report, err := newWatchdog(p, WatchdogOptions{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionRenewed, sweepFor(t, report, acc.ID).Action)
	assert.Equal(t, "200", p.reload(t, acc.ID).HistoryID)
}

func TestWatchdogLeavesHealthyAccountsAlone(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	acc := p.addAccount(t, models.ProviderMicrosoft, "tenant-1", "ops@contoso.com")
	require.NoError(t, p.accounts.UpdateWatch(ctx, acc.ID, storeWatch("sub-1")))
	require.NoError(t, p.accounts.TouchPush(ctx, acc.ID, time.Now()))

	report, err := newWatchdog(p, WatchdogOptions{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionHealthy, sweepFor(t, report, acc.ID).Action)
	assert.Zero(t, p.outlook.watchCalls)
}

func TestWatchdogRenewsStaleAccounts(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	acc := p.addAccount(t, models.ProviderMicrosoft, "tenant-1", "ops@contoso.com")
	require.NoError(t, p.accounts.UpdateWatch(ctx, acc.ID, storeWatch("sub-1")))
	exp := time.Now().Add(7 * 24 * time.Hour)
	p.outlook.watch = &WatchState{SubscriptionID: "sub-2", ExpiresAt: &exp, Renewed: false}

	w := newWatchdog(p, WatchdogOptions{})
	w.now = func() time.Time { return time.Now().Add(7 * time.Hour) }

	report, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionRenewed, sweepFor(t, report, acc.ID).Action)
	assert.Equal(t, "sub-2", p.reload(t, acc.ID).SubscriptionID)
}

func TestWatchdogClassifiesFailures(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	acc := p.addAccount(t, models.ProviderGoogle, "tenant-1", "ops@example.com")
	p.tokens.err = errors.New(`oauth2: "invalid_grant" "Token has been expired or revoked."`)

	report, err := newWatchdog(p, WatchdogOptions{}).Sweep(ctx)
	require.NoError(t, err)

	res := sweepFor(t, report, acc.ID)
	assert.Equal(t, ActionFailed, res.Action)
	assert.Equal(t, models.HealthProviderRevoked, res.Status)

	stored := p.reload(t, acc.ID)
	assert.Equal(t, models.HealthProviderRevoked, stored.HealthStatus)
	assert.Equal(t, models.AccountConnected, stored.Status)
	assert.NotNil(t, stored.LastErrorAt)
}

func TestWatchdogTransientFailureKeepsHealth(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	acc := p.addAccount(t, models.ProviderGoogle, "tenant-1", "ops@example.com")
	p.gmail.watchErr = NewProviderError(models.ProviderGoogle, "watch", errBoom)

	report, err := newWatchdog(p, WatchdogOptions{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ActionFailed, sweepFor(t, report, acc.ID).Action)

	stored := p.reload(t, acc.ID)
	assert.Equal(t, models.HealthOK, stored.HealthStatus)
	assert.Contains(t, stored.LastError, "boom")
}

func TestWatchdogWithoutRefreshTokenNeedsReconnect(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	id, err := p.accounts.Upsert(ctx, &models.Account{
		TenantID:       "tenant-1",
		Provider:       models.ProviderGoogle,
		EmailAddress:   "ops@example.com",
		AccessTokenEnc: "v1.access",
	})
	require.NoError(t, err)

	report, err := newWatchdog(p, WatchdogOptions{}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.HealthNeedsReconnect, sweepFor(t, report, id).Status)
	assert.Equal(t, models.HealthNeedsReconnect, p.reload(t, id).HealthStatus)
}

func TestWatchdogRedrivesStuckEvents(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	acc := p.addAccount(t, models.ProviderGoogle, "tenant-1", "ops@example.com")
	require.NoError(t, p.accounts.UpdateWatch(ctx, acc.ID, store.WatchUpdate{HistoryID: "1", ExpiresAt: ptrTime(time.Now().Add(72 * time.Hour))}))
	require.NoError(t, p.accounts.TouchPush(ctx, acc.ID, time.Now()))

	// Claimed but never handed to a worker
	claim, err := p.ledger.InitInboundEvent(ctx, eventstore.InboundKey{
		AccountID:         acc.ID,
		TenantID:          acc.TenantID,
		Provider:          models.ProviderGoogle,
		ProviderMessageID: "m7",
		ReceivedAt:        time.Now(),
	})
	require.NoError(t, err)
	require.True(t, claim.ShouldProcess)

	report, err := newWatchdog(p, WatchdogOptions{StuckAfter: time.Nanosecond}).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Redriven)
	assert.Equal(t, []string{"m7"}, p.forwarder.messageIDs())
}

func TestClassifyHealth(t *testing.T) {
	tests := []struct {
		msg  string
		want *models.HealthStatus
	}{
		{`token refresh failed for google (status 400, code "invalid_grant")`, ptrHealth(models.HealthProviderRevoked)},
		{"Token has been expired or revoked.", ptrHealth(models.HealthProviderRevoked)},
		{"missing refresh token", ptrHealth(models.HealthRefreshFailed)},
		{"token refresh failed for microsoft (status 500)", ptrHealth(models.HealthRefreshFailed)},
		{"AADSTS65001: consent_required", ptrHealth(models.HealthNeedsReconnect)},
		{"microsoft create subscription: 401 Unauthorized", ptrHealth(models.HealthNeedsReconnect)},
		{"google watch: connection reset by peer", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyHealth(tt.msg), tt.msg)
	}
}

func ptrHealth(h models.HealthStatus) *models.HealthStatus { return &h }

func ptrTime(t time.Time) *time.Time { return &t }
