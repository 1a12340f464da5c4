package sync

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mailsync/internal/eventstore"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

type fakeProvider struct {
	mu   gosync.Mutex
	name models.Provider

	messages map[string]*models.Message
	fetchErr map[string]error
	fetched  []string

	history      *HistoryPage
	historyErr   error
	historyCalls []string

	watch       *WatchState
	watchErr    error
	watchCalls  int
	duringWatch func()

	sent    []Reply
	sendErr error
	sendID  string

	address string
}

func newFakeProvider(name models.Provider) *fakeProvider {
	return &fakeProvider{
		name:     name,
		messages: map[string]*models.Message{},
		fetchErr: map[string]error{},
		sendID:   "sent-1",
		address:  "ops@example.com",
	}
}

func (p *fakeProvider) Provider() models.Provider { return p.name }

func (p *fakeProvider) FetchMessage(ctx context.Context, mb Mailbox, id string) (*models.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetched = append(p.fetched, id)
	if err := p.fetchErr[id]; err != nil {
		return nil, err
	}
	if msg, ok := p.messages[id]; ok {
		return msg, nil
	}
	return &models.Message{
		Provider:          p.name,
		ProviderMessageID: id,
		ProviderThreadID:  "thread-" + id,
		InternetMessageID: "<" + id + "@mail.example.com>",
		Envelope: models.Envelope{
			From:    "customer@example.org",
			To:      []string{mb.Address},
			Subject: "Invoice " + id,
		},
		ReceivedAt: time.Unix(1700000000, 0),
		BodyText:   "hello",
	}, nil
}

func (p *fakeProvider) ListNewMessageIDs(ctx context.Context, mb Mailbox, cursor string) (*HistoryPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.historyCalls = append(p.historyCalls, cursor)
	if p.historyErr != nil {
		return nil, p.historyErr
	}
	if p.history == nil {
		return &HistoryPage{NextCursor: cursor}, nil
	}
	return p.history, nil
}

func (p *fakeProvider) EnsureWatch(ctx context.Context, mb Mailbox, opts WatchOptions) (*WatchState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.watchCalls++
	if p.duringWatch != nil {
		p.duringWatch()
	}
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	if p.watch != nil {
		return p.watch, nil
	}
	exp := time.Now().Add(7 * 24 * time.Hour)
	state := &WatchState{ExpiresAt: &exp, Renewed: true}
	if mb.HistoryID == "" {
		state.HistoryID = "500"
	}
	return state, nil
}

func (p *fakeProvider) CheckReplyContext(rc ReplyContext) error {
	if p.name == models.ProviderGoogle && (rc.ThreadID == "" || len(rc.To) == 0) {
		return ErrMissingThreadContext
	}
	if p.name == models.ProviderMicrosoft && rc.OriginalMessageID == "" {
		return ErrMissingThreadContext
	}
	return nil
}

func (p *fakeProvider) SendReply(ctx context.Context, mb Mailbox, r Reply) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return "", p.sendErr
	}
	p.sent = append(p.sent, r)
	return p.sendID, nil
}

func (p *fakeProvider) MailboxAddress(ctx context.Context, accessToken string) (string, error) {
	return p.address, nil
}

func (p *fakeProvider) fetchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.fetched)
}

type fakeTokens struct {
	err error
}

func (f *fakeTokens) GetValidAccessToken(ctx context.Context, acc *models.Account) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "access-" + acc.ID, nil
}

type fakeForwarder struct {
	mu        gosync.Mutex
	forwarded []string
	err       error
}

func (f *fakeForwarder) Forward(ctx context.Context, eventID string, acc *models.Account, msg *models.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.forwarded = append(f.forwarded, msg.ProviderMessageID)
	return nil
}

func (f *fakeForwarder) messageIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.forwarded...)
}

var errBoom = errors.New("boom")

// pipeline wires the sync components over a temp sqlite database
type pipeline struct {
	db         *sqlx.DB
	accounts   *store.AccountRepository
	ledger     *eventstore.Ledger
	gmail      *fakeProvider
	outlook    *fakeProvider
	tokens     *fakeTokens
	forwarder  *fakeForwarder
	runner     *Runner
	dispatcher *Dispatcher
	log        *logrus.Logger
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	db, err := store.Open(store.DriverSQLite, filepath.Join(t.TempDir(), "mailsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	p := &pipeline{
		db:        db,
		accounts:  store.NewAccountRepository(db),
		ledger:    eventstore.New(db, 15*time.Minute),
		gmail:     newFakeProvider(models.ProviderGoogle),
		outlook:   newFakeProvider(models.ProviderMicrosoft),
		tokens:    &fakeTokens{},
		forwarder: &fakeForwarder{},
		log:       quietLogger(),
	}
	p.runner = &Runner{
		Accounts:  p.accounts,
		Ledger:    p.ledger,
		Tokens:    p.tokens,
		Providers: p.providers(),
		Forwarder: p.forwarder,
		Log:       p.log,
	}
	p.dispatcher = NewDispatcher(p.accounts, p.ledger, p.tokens, p.providers(), p.runner, nil, DispatcherOptions{
		GmailPushToken:   "push-secret",
		GraphClientState: "state-secret",
		Logger:           p.log,
	})
	return p
}

func (p *pipeline) providers() Providers {
	return Providers{
		models.ProviderGoogle:    p.gmail,
		models.ProviderMicrosoft: p.outlook,
	}
}

func (p *pipeline) addAccount(t *testing.T, provider models.Provider, tenantID, address string) *models.Account {
	t.Helper()
	ctx := context.Background()
	refresh := "v1.refresh"
	id, err := p.accounts.Upsert(ctx, &models.Account{
		TenantID:        tenantID,
		Provider:        provider,
		EmailAddress:    address,
		AccessTokenEnc:  "v1.access",
		RefreshTokenEnc: &refresh,
	})
	require.NoError(t, err)
	acc, err := p.accounts.GetByID(ctx, id)
	require.NoError(t, err)
	return acc
}

func (p *pipeline) reload(t *testing.T, id string) *models.Account {
	t.Helper()
	acc, err := p.accounts.GetByID(context.Background(), id)
	require.NoError(t, err)
	return acc
}

func (p *pipeline) countEvents(t *testing.T, direction models.Direction) int {
	t.Helper()
	var n int
	require.NoError(t, p.db.Get(&n, p.db.Rebind("SELECT COUNT(*) FROM mail_events WHERE direction = ?"), string(direction)))
	return n
}

// inboundEvent claims and processes one message so replies have something to answer
func (p *pipeline) inboundEvent(t *testing.T, acc *models.Account, messageID string) *models.Event {
	t.Helper()
	ctx := context.Background()
	claim, err := p.ledger.InitInboundEvent(ctx, eventstore.InboundKey{
		AccountID:         acc.ID,
		TenantID:          acc.TenantID,
		Provider:          acc.Provider,
		ProviderMessageID: messageID,
		ReceivedAt:        time.Now(),
	})
	require.NoError(t, err)
	require.True(t, claim.ShouldProcess)
	require.NoError(t, p.runner.Process(ctx, claim.EventID))

	ev, err := p.ledger.Get(ctx, claim.EventID)
	require.NoError(t, err)
	return ev
}

func storeWatch(subscriptionID string) store.WatchUpdate {
	exp := time.Now().Add(48 * time.Hour)
	return store.WatchUpdate{SubscriptionID: subscriptionID, ExpiresAt: &exp}
}
