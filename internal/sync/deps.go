package sync

import (
	"context"
	"time"

	"github.com/Martian-dev/mailsync/internal/eventstore"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

// AccountStore is the account persistence the pipeline needs
type AccountStore interface {
	Upsert(ctx context.Context, a *models.Account) (string, error)
	GetByID(ctx context.Context, id string) (*models.Account, error)
	ListByProviderAddress(ctx context.Context, provider models.Provider, address string) ([]*models.Account, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*models.Account, error)
	ListConnected(ctx context.Context) ([]*models.Account, error)
	UpdateHistoryID(ctx context.Context, id, historyID string) error
	MarkSynced(ctx context.Context, id string, at time.Time) error
	TouchPush(ctx context.Context, id string, at time.Time) error
	UpdateWatch(ctx context.Context, id string, w store.WatchUpdate) error
	RecordError(ctx context.Context, id, msg string, health *models.HealthStatus) error
}

// EventLedger is the idempotency ledger
type EventLedger interface {
	InitInboundEvent(ctx context.Context, key eventstore.InboundKey) (eventstore.Claim, error)
	BeginProcessing(ctx context.Context, id string) (bool, error)
	MarkProcessed(ctx context.Context, id string, msg *models.Message) error
	MarkError(ctx context.Context, id, msg string) error
	RecordOutbound(ctx context.Context, rec eventstore.OutboundRecord) (string, error)
	Get(ctx context.Context, id string) (*models.Event, error)
	FindLatestInboundByJob(ctx context.Context, tenantID, jobID string) (*models.Event, error)
	ListRedrivable(ctx context.Context, olderThan time.Duration, limit int) ([]*models.Event, error)
	ResetForRedrive(ctx context.Context, id string) error
}

// TokenSource hands out valid access tokens
type TokenSource interface {
	GetValidAccessToken(ctx context.Context, acc *models.Account) (string, error)
}

// Forwarder delivers a processed inbound message downstream
type Forwarder interface {
	Forward(ctx context.Context, eventID string, acc *models.Account, msg *models.Message) error
}

// Submitter schedules processing of a claimed event
type Submitter interface {
	Submit(ctx context.Context, eventID string) bool
}
