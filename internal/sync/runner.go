package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/models"
)

// DefaultProviderTimeout bounds a single provider fetch
const DefaultProviderTimeout = 20 * time.Second

// Runner processes one claimed inbound event: fetch, forward, mark
type Runner struct {
	Accounts        AccountStore
	Ledger          EventLedger
	Tokens          TokenSource
	Providers       Providers
	Forwarder       Forwarder
	ProviderTimeout time.Duration
	Log             *logrus.Logger
}

// Process runs an event that is in the received state. It returns nil without
// doing anything when another worker already owns the event.
func (r *Runner) Process(ctx context.Context, eventID string) error {
	owned, err := r.Ledger.BeginProcessing(ctx, eventID)
	if err != nil {
		return err
	}
	if !owned {
		return nil
	}

	ev, err := r.Ledger.Get(ctx, eventID)
	if err != nil {
		return err
	}

	logger := r.logger().WithFields(logrus.Fields{
		"event_id":   ev.ID,
		"account_id": ev.AccountID,
		"provider":   ev.Provider,
		"message_id": ev.ProviderMessageID,
	})

	msg, acc, err := r.fetch(ctx, ev)
	if err == nil {
		err = r.Forwarder.Forward(ctx, ev.ID, acc, msg)
		if err != nil {
			err = fmt.Errorf("forward: %w", err)
		}
	}
	if err != nil {
		logger.WithError(err).Warn("inbound message failed")
		if markErr := r.Ledger.MarkError(ctx, ev.ID, err.Error()); markErr != nil {
			logger.WithError(markErr).Error("failed to record event error")
		}
		return err
	}

	if err := r.Ledger.MarkProcessed(ctx, ev.ID, msg); err != nil {
		// Delivered but not marked; the consumer dedups on the idempotency key
		logger.WithError(err).Error("failed to mark event processed")
		return err
	}
	if err := r.Accounts.MarkSynced(ctx, acc.ID, time.Now()); err != nil {
		logger.WithError(err).Warn("failed to record sync time")
	}

	logger.Info("inbound message forwarded")
	return nil
}

func (r *Runner) fetch(ctx context.Context, ev *models.Event) (*models.Message, *models.Account, error) {
	acc, err := r.Accounts.GetByID(ctx, ev.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("load account: %w", err)
	}

	provider, err := r.Providers.Get(acc.Provider)
	if err != nil {
		return nil, nil, err
	}

	token, err := r.Tokens.GetValidAccessToken(ctx, acc)
	if err != nil {
		return nil, nil, fmt.Errorf("access token: %w", err)
	}

	timeout := r.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := provider.FetchMessage(fetchCtx, MailboxFor(acc, token), ev.ProviderMessageID)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch: %w", err)
	}
	return msg, acc, nil
}

func (r *Runner) logger() *logrus.Logger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}
