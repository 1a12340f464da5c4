package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

// Mailbox is what an adapter needs to talk to one connected account
type Mailbox struct {
	AccountID      string
	Address        string
	AccessToken    string
	HistoryID      string     // Gmail cursor
	SubscriptionID string     // Graph subscription
	WatchExpiresAt *time.Time // Gmail watch or Graph subscription expiry
}

// MailboxFor builds a Mailbox from an account and a valid access token
func MailboxFor(acc *models.Account, accessToken string) Mailbox {
	return Mailbox{
		AccountID:      acc.ID,
		Address:        acc.EmailAddress,
		AccessToken:    accessToken,
		HistoryID:      acc.HistoryID,
		SubscriptionID: acc.SubscriptionID,
		WatchExpiresAt: acc.SubscriptionExpiresAt,
	}
}

// WatchOptions controls EnsureWatch
type WatchOptions struct {
	Force bool
}

// WatchState is the push registration after EnsureWatch
type WatchState struct {
	HistoryID      string // starting cursor, set only by a first watch
	SubscriptionID string
	ExpiresAt      *time.Time
	Renewed        bool
}

// ReplyContext is the threading information a reply needs
type ReplyContext struct {
	ThreadID          string
	OriginalMessageID string // provider id of the message being answered
	InternetMessageID string // RFC 5322 Message-ID of that message
	To                []string
}

// Reply is an outbound answer to an inbound message
type Reply struct {
	ReplyContext
	From    string
	Subject string
	Body    string
}

// HistoryPage is the result of one Gmail history pass
type HistoryPage struct {
	MessageIDs []string
	NextCursor string
}

// MailProvider is implemented by each provider adapter
type MailProvider interface {
	Provider() models.Provider
	// FetchMessage returns the full canonical message
	FetchMessage(ctx context.Context, mb Mailbox, providerMessageID string) (*models.Message, error)
	// EnsureWatch creates or renews push delivery for the mailbox
	EnsureWatch(ctx context.Context, mb Mailbox, opts WatchOptions) (*WatchState, error)
	// CheckReplyContext validates a reply before anything is recorded
	CheckReplyContext(rc ReplyContext) error
	// SendReply sends within the original thread and returns the provider message id
	SendReply(ctx context.Context, mb Mailbox, r Reply) (string, error)
	// MailboxAddress resolves the address of the token owner
	MailboxAddress(ctx context.Context, accessToken string) (string, error)
}

// HistoryLister is implemented by providers whose pushes only carry a cursor
type HistoryLister interface {
	ListNewMessageIDs(ctx context.Context, mb Mailbox, cursor string) (*HistoryPage, error)
}

// Providers maps provider names to adapters
type Providers map[models.Provider]MailProvider

// Get returns the adapter for p
func (p Providers) Get(name models.Provider) (MailProvider, error) {
	mp, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
	return mp, nil
}
