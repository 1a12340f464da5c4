package sync

import (
	"context"
	"errors"
	"strings"
	gosync "sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Martian-dev/mailsync/internal/eventstore"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

// Watchdog defaults
const (
	DefaultErrorBackoff   = 30 * time.Minute
	DefaultRenewLookahead = 24 * time.Hour
	DefaultStaleAfter     = 6 * time.Hour
	DefaultStuckAfter     = 15 * time.Minute
	DefaultRedriveLimit   = 50
	DefaultSweepWorkers   = 4
)

// SweepAction is what the watchdog did for one account
type SweepAction string

const (
	ActionSkippedBackoff SweepAction = "skipped_backoff"
	ActionHealthy        SweepAction = "healthy"
	ActionRenewed        SweepAction = "renewed"
	ActionFailed         SweepAction = "failed"
)

// AccountSweep is the per-account result of a sweep
type AccountSweep struct {
	AccountID string              `json:"account_id"`
	Provider  models.Provider     `json:"provider"`
	Action    SweepAction         `json:"action"`
	Status    models.HealthStatus `json:"status"`
	Error     string              `json:"error,omitempty"`
}

// SweepReport is the result of one watchdog pass
type SweepReport struct {
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Accounts   []AccountSweep `json:"accounts"`
	Redriven   int            `json:"redriven"`
}

// Redriver re-runs a stuck inbound event
type Redriver interface {
	Redrive(ctx context.Context, eventID string) error
}

// WatchdogOptions tunes the sweep
type WatchdogOptions struct {
	ErrorBackoff   time.Duration
	RenewLookahead time.Duration
	StaleAfter     time.Duration
	StuckAfter     time.Duration
	RedriveLimit   int
	Workers        int
	Logger         *logrus.Logger
}

// Watchdog keeps push registrations alive and re-drives stuck events
type Watchdog struct {
	accounts  AccountStore
	ledger    EventLedger
	tokens    TokenSource
	providers Providers
	redriver  Redriver
	opts      WatchdogOptions
	log       *logrus.Logger
	now       func() time.Time
}

// NewWatchdog creates a watchdog; zero options take the defaults
func NewWatchdog(accounts AccountStore, ledger EventLedger, tokens TokenSource, providers Providers, redriver Redriver, opts WatchdogOptions) *Watchdog {
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	if opts.RenewLookahead <= 0 {
		opts.RenewLookahead = DefaultRenewLookahead
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = DefaultStuckAfter
	}
	if opts.RedriveLimit <= 0 {
		opts.RedriveLimit = DefaultRedriveLimit
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultSweepWorkers
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Watchdog{
		accounts:  accounts,
		ledger:    ledger,
		tokens:    tokens,
		providers: providers,
		redriver:  redriver,
		opts:      opts,
		log:       opts.Logger,
		now:       time.Now,
	}
}

// ClassifyHealth maps a failure message to an account health status.
// nil means the failure looks transient and health should not change.
func ClassifyHealth(msg string) *models.HealthStatus {
	m := strings.ToLower(msg)
	var h models.HealthStatus
	switch {
	case strings.Contains(m, "revoked"), strings.Contains(m, "invalid_grant"):
		h = models.HealthProviderRevoked
	case strings.Contains(m, "refresh token"), strings.Contains(m, "refresh_token"), strings.Contains(m, "token refresh"):
		h = models.HealthRefreshFailed
	case strings.Contains(m, "consent_required"), strings.Contains(m, "interaction_required"), strings.Contains(m, "unauthorized"):
		h = models.HealthNeedsReconnect
	default:
		return nil
	}
	return &h
}

// Run sweeps every interval until ctx is done. interval <= 0 disables it.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		w.log.Info("watchdog ticker disabled")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := w.Sweep(ctx)
			if err != nil {
				w.log.WithError(err).Error("watchdog sweep failed")
				continue
			}
			w.log.WithFields(logrus.Fields{
				"accounts": len(report.Accounts),
				"redriven": report.Redriven,
			}).Info("watchdog sweep finished")
		}
	}
}

// Sweep checks all connected accounts, then re-drives stuck events
func (w *Watchdog) Sweep(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{StartedAt: w.now()}

	accounts, err := w.accounts.ListConnected(ctx)
	if err != nil {
		return nil, err
	}

	var mu gosync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Workers)
	for _, acc := range accounts {
		g.Go(func() error {
			res := w.checkAccount(gctx, acc)
			mu.Lock()
			report.Accounts = append(report.Accounts, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Redriven = w.redriveStuck(ctx)
	report.FinishedAt = w.now()
	return report, nil
}

func (w *Watchdog) checkAccount(ctx context.Context, acc *models.Account) AccountSweep {
	res := AccountSweep{
		AccountID: acc.ID,
		Provider:  acc.Provider,
		Status:    acc.HealthStatus,
	}
	now := w.now()
	logger := w.log.WithFields(logrus.Fields{"account_id": acc.ID, "provider": acc.Provider})

	if acc.LastErrorAt != nil && now.Sub(*acc.LastErrorAt) < w.opts.ErrorBackoff {
		res.Action = ActionSkippedBackoff
		return res
	}
	if !w.renewalDue(acc, now) && !w.stale(acc, now) {
		res.Action = ActionHealthy
		return res
	}

	state, err := w.renew(ctx, acc)
	if err != nil {
		health := ClassifyHealth(err.Error())
		if recErr := w.accounts.RecordError(ctx, acc.ID, err.Error(), health); recErr != nil {
			logger.WithError(recErr).Error("failed to record account error")
		}
		logger.WithError(err).Warn("watch renewal failed")
		res.Action = ActionFailed
		res.Error = err.Error()
		if health != nil {
			res.Status = *health
		}
		return res
	}

	health := models.HealthOK
	if !acc.HasRefreshToken() {
		health = models.HealthNeedsReconnect
	}
	err = w.accounts.UpdateWatch(ctx, acc.ID, store.WatchUpdate{
		HistoryID:      state.HistoryID,
		SubscriptionID: state.SubscriptionID,
		ExpiresAt:      state.ExpiresAt,
		Health:         health,
	})
	if err != nil {
		logger.WithError(err).Error("failed to persist watch")
		res.Action = ActionFailed
		res.Error = err.Error()
		return res
	}

	logger.WithField("renewed", state.Renewed).Info("watch ensured")
	res.Action = ActionRenewed
	res.Status = health
	return res
}

func (w *Watchdog) renew(ctx context.Context, acc *models.Account) (*WatchState, error) {
	provider, err := w.providers.Get(acc.Provider)
	if err != nil {
		return nil, err
	}
	accessToken, err := w.tokens.GetValidAccessToken(ctx, acc)
	if err != nil {
		return nil, err
	}
	return provider.EnsureWatch(ctx, MailboxFor(acc, accessToken), WatchOptions{Force: true})
}

func (w *Watchdog) renewalDue(acc *models.Account, now time.Time) bool {
	if acc.SubscriptionExpiresAt == nil {
		return true
	}
	return acc.SubscriptionExpiresAt.Sub(now) <= w.opts.RenewLookahead
}

func (w *Watchdog) stale(acc *models.Account, now time.Time) bool {
	latest := acc.CreatedAt
	for _, t := range []*time.Time{acc.LastPushAt, acc.LastSyncedAt} {
		if t != nil && t.After(latest) {
			latest = *t
		}
	}
	return now.Sub(latest) > w.opts.StaleAfter
}

func (w *Watchdog) redriveStuck(ctx context.Context) int {
	if w.redriver == nil {
		return 0
	}

	events, err := w.ledger.ListRedrivable(ctx, w.opts.StuckAfter, w.opts.RedriveLimit)
	if err != nil {
		w.log.WithError(err).Error("failed to list stuck events")
		return 0
	}

	var (
		mu    gosync.Mutex
		count int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.opts.Workers)
	for _, ev := range events {
		g.Go(func() error {
			if err := w.redriver.Redrive(gctx, ev.ID); err != nil {
				logger := w.log.WithField("event_id", ev.ID).WithError(err)
				if errors.Is(err, eventstore.ErrEventInFlight) {
					logger.Debug("event picked up by a worker before re-drive")
				} else {
					logger.Warn("re-drive failed")
				}
				return nil
			}
			mu.Lock()
			count++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return count
}
