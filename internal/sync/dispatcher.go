package sync

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/eventstore"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

// DispatcherOptions holds the push verification secrets
type DispatcherOptions struct {
	GmailPushToken   string
	GraphClientState string
	Logger           *logrus.Logger
}

// Dispatcher turns provider push notifications into claimed ledger events
type Dispatcher struct {
	accounts  AccountStore
	ledger    EventLedger
	tokens    TokenSource
	providers Providers
	processor Processor
	submitter Submitter
	opts      DispatcherOptions
	log       *logrus.Logger
	now       func() time.Time
}

// PushResult summarizes what one notification did
type PushResult struct {
	Accepted bool     `json:"accepted"`
	Reason   string   `json:"reason,omitempty"`
	Claimed  []string `json:"claimed,omitempty"`
	Skipped  int      `json:"skipped"`
}

func (r *PushResult) merge(o *PushResult) {
	r.Accepted = r.Accepted || o.Accepted
	if r.Reason == "" {
		r.Reason = o.Reason
	}
	r.Claimed = append(r.Claimed, o.Claimed...)
	r.Skipped += o.Skipped
}

// NewDispatcher creates a dispatcher. A nil submitter processes claims on the
// caller's goroutine.
func NewDispatcher(accounts AccountStore, ledger EventLedger, tokens TokenSource, providers Providers, processor Processor, submitter Submitter, opts DispatcherOptions) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		accounts:  accounts,
		ledger:    ledger,
		tokens:    tokens,
		providers: providers,
		processor: processor,
		submitter: submitter,
		opts:      opts,
		log:       opts.Logger,
		now:       time.Now,
	}
}

type pubsubPush struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

func decodeGmailPush(body []byte) (*gmailNotification, error) {
	var push pubsubPush
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, fmt.Errorf("decode push envelope: %w", err)
	}
	if push.Message.Data == "" {
		return nil, errors.New("push envelope has no data")
	}

	raw, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		raw, err = base64.URLEncoding.DecodeString(push.Message.Data)
		if err != nil {
			return nil, fmt.Errorf("decode push data: %w", err)
		}
	}

	var n gmailNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if n.EmailAddress == "" {
		return nil, errors.New("notification has no email address")
	}
	return &n, nil
}

func secretMatches(expected, got string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// HandleGmailPush processes one Pub/Sub push. The returned error is only set
// for infrastructure failures the caller should answer with a 5xx.
func (d *Dispatcher) HandleGmailPush(ctx context.Context, token string, body []byte) (*PushResult, error) {
	if !secretMatches(d.opts.GmailPushToken, token) {
		d.log.Warn("gmail push with invalid verification token")
		return &PushResult{Reason: "invalid token"}, nil
	}

	n, err := decodeGmailPush(body)
	if err != nil {
		d.log.WithError(err).Warn("ignoring malformed gmail push")
		return &PushResult{Reason: "malformed"}, nil
	}

	accounts, err := d.accounts.ListByProviderAddress(ctx, models.ProviderGoogle, n.EmailAddress)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		d.log.WithField("email", n.EmailAddress).Info("gmail push for unknown mailbox")
		return &PushResult{Reason: "unknown account"}, nil
	}

	// One mailbox may be connected by several tenants, each with its own cursor
	res := &PushResult{}
	for _, acc := range accounts {
		r, err := d.syncGmailAccount(ctx, acc, n.HistoryID.String())
		if err != nil {
			return nil, err
		}
		res.merge(r)
	}
	return res, nil
}

// syncGmailAccount advances one account's history cursor and claims the new messages
func (d *Dispatcher) syncGmailAccount(ctx context.Context, acc *models.Account, notified string) (*PushResult, error) {
	logger := d.log.WithFields(logrus.Fields{"account_id": acc.ID, "provider": acc.Provider})
	if err := d.accounts.TouchPush(ctx, acc.ID, d.now()); err != nil {
		return nil, err
	}

	if acc.HistoryID == "" {
		if notified != "" {
			if err := d.accounts.UpdateHistoryID(ctx, acc.ID, notified); err != nil {
				return nil, err
			}
		}
		logger.WithField("history_id", notified).Info("adopted history cursor from push")
		return &PushResult{Accepted: true, Reason: "cursor initialized"}, nil
	}

	provider, err := d.providers.Get(models.ProviderGoogle)
	if err != nil {
		return nil, err
	}
	lister, ok := provider.(HistoryLister)
	if !ok {
		return nil, fmt.Errorf("provider %s cannot list history", models.ProviderGoogle)
	}

	accessToken, err := d.tokens.GetValidAccessToken(ctx, acc)
	if err != nil {
		d.recordAccountError(ctx, logger, acc.ID, err)
		return &PushResult{Reason: "token unavailable"}, nil
	}

	page, err := lister.ListNewMessageIDs(ctx, MailboxFor(acc, accessToken), acc.HistoryID)
	if errors.Is(err, ErrCursorExpired) {
		logger.WithFields(logrus.Fields{
			"stale_cursor": acc.HistoryID,
			"history_id":   notified,
		}).Warn("history cursor expired, messages in the gap are not ingested")
		if notified != "" {
			if err := d.accounts.UpdateHistoryID(ctx, acc.ID, notified); err != nil {
				return nil, err
			}
		}
		return &PushResult{Accepted: true, Reason: "cursor reset"}, nil
	}
	if err != nil {
		d.recordAccountError(ctx, logger, acc.ID, err)
		return &PushResult{Reason: "history failed"}, nil
	}

	res := &PushResult{Accepted: true}
	for _, id := range page.MessageIDs {
		claim, err := d.ledger.InitInboundEvent(ctx, eventstore.InboundKey{
			AccountID:         acc.ID,
			TenantID:          acc.TenantID,
			Provider:          models.ProviderGoogle,
			ProviderMessageID: id,
			ReceivedAt:        d.now(),
		})
		if err != nil {
			return nil, err
		}
		if !claim.ShouldProcess {
			res.Skipped++
			continue
		}
		res.Claimed = append(res.Claimed, claim.EventID)
	}

	if page.NextCursor != "" && page.NextCursor != acc.HistoryID {
		if err := d.accounts.UpdateHistoryID(ctx, acc.ID, page.NextCursor); err != nil {
			return nil, err
		}
	}
	if err := d.accounts.MarkSynced(ctx, acc.ID, d.now()); err != nil {
		logger.WithError(err).Warn("failed to record sync time")
	}

	logger.WithFields(logrus.Fields{
		"claimed": len(res.Claimed),
		"skipped": res.Skipped,
		"cursor":  page.NextCursor,
	}).Info("gmail push handled")

	d.dispatch(ctx, res.Claimed)
	return res, nil
}

type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

type graphNotificationBatch struct {
	Value []graphNotification `json:"value"`
}

// messageID returns resourceData.id, falling back to the last resource segment
func (n *graphNotification) messageID() string {
	if n.ResourceData.ID != "" {
		return n.ResourceData.ID
	}
	r := strings.TrimRight(n.Resource, "/")
	if i := strings.LastIndex(r, "/"); i >= 0 {
		r = r[i+1:]
	}
	if i := strings.Index(r, "('"); i >= 0 {
		r = strings.TrimSuffix(r[i+2:], "')")
	}
	return r
}

// HandleGraphNotifications processes a Graph change notification batch
func (d *Dispatcher) HandleGraphNotifications(ctx context.Context, body []byte) (*PushResult, error) {
	var batch graphNotificationBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		d.log.WithError(err).Warn("ignoring malformed graph notification")
		return &PushResult{Reason: "malformed"}, nil
	}

	res := &PushResult{Accepted: true}
	for i := range batch.Value {
		n := &batch.Value[i]
		if !secretMatches(d.opts.GraphClientState, n.ClientState) {
			d.log.WithField("subscription_id", n.SubscriptionID).Warn("graph notification with invalid client state")
			res.Skipped++
			continue
		}

		id := n.messageID()
		if id == "" {
			res.Skipped++
			continue
		}

		acc, err := d.accounts.GetBySubscriptionID(ctx, n.SubscriptionID)
		if errors.Is(err, store.ErrAccountNotFound) {
			d.log.WithField("subscription_id", n.SubscriptionID).Info("graph notification for unknown subscription")
			res.Skipped++
			continue
		}
		if err != nil {
			return nil, err
		}
		if acc.Provider != models.ProviderMicrosoft {
			res.Skipped++
			continue
		}

		if err := d.accounts.TouchPush(ctx, acc.ID, d.now()); err != nil {
			return nil, err
		}

		claim, err := d.ledger.InitInboundEvent(ctx, eventstore.InboundKey{
			AccountID:         acc.ID,
			TenantID:          acc.TenantID,
			Provider:          models.ProviderMicrosoft,
			ProviderMessageID: id,
			ReceivedAt:        d.now(),
		})
		if err != nil {
			return nil, err
		}
		if !claim.ShouldProcess {
			res.Skipped++
			continue
		}
		res.Claimed = append(res.Claimed, claim.EventID)
	}

	d.dispatch(ctx, res.Claimed)
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, eventIDs []string) {
	for _, id := range eventIDs {
		if d.submitter != nil {
			d.submitter.Submit(ctx, id)
			continue
		}
		if err := d.processor.Process(ctx, id); err != nil {
			d.log.WithField("event_id", id).WithError(err).Warn("inline processing failed")
		}
	}
}

// Redrive re-runs an inbound event that failed or got stuck
func (d *Dispatcher) Redrive(ctx context.Context, eventID string) error {
	ev, err := d.ledger.Get(ctx, eventID)
	if err != nil {
		return err
	}
	if ev.Status == models.EventProcessed {
		return ErrAlreadyProcessed
	}
	if ev.Direction != models.DirectionInbound {
		return ErrNotInbound
	}
	if err := d.ledger.ResetForRedrive(ctx, eventID); err != nil {
		return err
	}
	return d.processor.Process(ctx, eventID)
}

func (d *Dispatcher) recordAccountError(ctx context.Context, logger *logrus.Entry, accountID string, cause error) {
	logger.WithError(cause).Warn("mailbox sync failed")
	if err := d.accounts.RecordError(ctx, accountID, cause.Error(), ClassifyHealth(cause.Error())); err != nil {
		logger.WithError(err).Error("failed to record account error")
	}
}
