package sync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"

	"github.com/Martian-dev/mailsync/internal/eventstore"
	"github.com/Martian-dev/mailsync/internal/models"
)

type DispatcherSuite struct {
	suite.Suite
	p   *pipeline
	ctx context.Context
}

func (s *DispatcherSuite) SetupTest() {
	s.p = newPipeline(s.T())
	s.ctx = context.Background()
}

func gmailPushBody(address string, historyID any) []byte {
	data, _ := json.Marshal(map[string]any{"emailAddress": address, "historyId": historyID})
	body, _ := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": "pubsub-1",
		},
		"subscription": "projects/p/subscriptions/s",
	})
	return body
}

func graphBody(subscriptionID, clientState string, messageIDs ...string) []byte {
	var value []map[string]any
	for _, id := range messageIDs {
		value = append(value, map[string]any{
			"subscriptionId": subscriptionID,
			"clientState":    clientState,
			"changeType":     "created",
			"resource":       fmt.Sprintf("Users/u1/Messages/%s", id),
			"resourceData":   map[string]any{"id": id},
		})
	}
	body, _ := json.Marshal(map[string]any{"value": value})
	return body
}

func (s *DispatcherSuite) gmailAccount(cursor string) *models.Account {
	acc := s.p.addAccount(s.T(), models.ProviderGoogle, "tenant-1", "ops@example.com")
	if cursor != "" {
		s.Require().NoError(s.p.accounts.UpdateHistoryID(s.ctx, acc.ID, cursor))
	}
	return s.p.reload(s.T(), acc.ID)
}

func (s *DispatcherSuite) TestGmailHistoryDuplicatesForwardOnce() {
	acc := s.gmailAccount("100")
	s.p.gmail.history = &HistoryPage{MessageIDs: []string{"m1", "m1", "m2"}, NextCursor: "102"}

	res, err := s.p.dispatcher.HandleGmailPush(s.ctx, "push-secret", gmailPushBody("ops@example.com", 102))
	s.Require().NoError(err)
	s.True(res.Accepted)
	s.Len(res.Claimed, 2)
	s.Equal(1, res.Skipped)
	s.Equal([]string{"m1", "m2"}, s.p.forwarder.messageIDs())
	s.Equal([]string{"100"}, s.p.gmail.historyCalls)

	stored := s.p.reload(s.T(), acc.ID)
	s.Equal("102", stored.HistoryID)
	s.NotNil(stored.LastPushAt)
	s.NotNil(stored.LastSyncedAt)

	// A redelivered push announces the same messages again
	res, err = s.p.dispatcher.HandleGmailPush(s.ctx, "push-secret", gmailPushBody("ops@example.com", "102"))
	s.Require().NoError(err)
	s.Empty(res.Claimed)
	s.Equal([]string{"m1", "m2"}, s.p.forwarder.messageIDs())
	s.Equal(2, s.p.countEvents(s.T(), models.DirectionInbound))
}

func (s *DispatcherSuite) TestGmailPushReachesEveryTenantOfMailbox() {
	first := s.gmailAccount("100")
	second := s.p.addAccount(s.T(), models.ProviderGoogle, "tenant-2", "ops@example.com")
	s.Require().NoError(s.p.accounts.UpdateHistoryID(s.ctx, second.ID, "100"))
	s.p.gmail.history = &HistoryPage{MessageIDs: []string{"m1"}, NextCursor: "101"}

	res, err := s.p.dispatcher.HandleGmailPush(s.ctx, "push-secret", gmailPushBody("ops@example.com", 101))
	s.Require().NoError(err)
	s.True(res.Accepted)
	s.Len(res.Claimed, 2)
	s.Equal([]string{"100", "100"}, s.p.gmail.historyCalls)
	s.Equal([]string{"m1", "m1"}, s.p.forwarder.messageIDs())

	for _, id := range []string{first.ID, second.ID} {
		stored := s.p.reload(s.T(), id)
		s.Equal("101", stored.HistoryID)
		s.NotNil(stored.LastPushAt)
	}
	s.Equal(2, s.p.countEvents(s.T(), models.DirectionInbound))
}

func (s *DispatcherSuite) TestGmailPushWithWrongTokenIsIgnored() {
	s.gmailAccount("100")
	s.p.gmail.history = &HistoryPage{MessageIDs: []string{"m1"}, NextCursor: "101"}

	res, err := s.p.dispatcher.HandleGmailPush(s.ctx, "nope", gmailPushBody("ops@example.com", 101))
	s.Require().NoError(err)
	s.False(res.Accepted)
	s.Empty(s.p.gmail.historyCalls)
	s.Equal(0, s.p.countEvents(s.T(), models.DirectionInbound))
}

func (s *DispatcherSuite) TestGmailPushMalformedOrUnknownIsIgnored() {
	res, err := s.p.dispatcher.HandleGmailPush(s.ctx, "push-secret", []byte(`{"message":{"data":"!!"}}`))
	s.Require().NoError(err)
	s.Equal("malformed", res.Reason)

	res, err = s.p.dispatcher.HandleGmailPush(s.ctx, "push-secret", gmailPushBody("nobody@example.com", 5))
	s.Require().NoError(err)
	s.Equal("unknown account", res.Reason)
}

func (s *DispatcherSuite) TestGmailPushAdoptsCursorWhenNoneStored() {
	acc := s.gmailAccount("")

	res, err := s.p.dispatcher.HandleGmailPush(s.ctx, "push-secret", gmailPushBody("OPS@example.com", "777"))
	s.Require().NoError(err)
	s.True(res.Accepted)
	s.Empty(s.p.gmail.historyCalls)
	s.Equal("777", s.p.reload(s.T(), acc.ID).HistoryID)
}

func (s *DispatcherSuite) TestGmailExpiredCursorResetsToNotification() {
	acc := s.gmailAccount("10")
	s.p.gmail.historyErr = NewProviderError(models.ProviderGoogle, "history", ErrCursorExpired)

	res, err := s.p.dispatcher.HandleGmailPush(s.ctx, "push-secret", gmailPushBody("ops@example.com", 900))
	s.Require().NoError(err)
	s.Equal("cursor reset", res.Reason)

	stored := s.p.reload(s.T(), acc.ID)
	s.Equal("900", stored.HistoryID)
	s.Empty(stored.LastError)
}

func (s *DispatcherSuite) TestGmailHistoryFailureKeepsCursor() {
	acc := s.gmailAccount("10")
	s.p.gmail.historyErr = NewProviderError(models.ProviderGoogle, "history", errBoom)

	res, err := s.p.dispatcher.HandleGmailPush(s.ctx, "push-secret", gmailPushBody("ops@example.com", 900))
	s.Require().NoError(err)
	s.False(res.Accepted)

	stored := s.p.reload(s.T(), acc.ID)
	s.Equal("10", stored.HistoryID)
	s.Contains(stored.LastError, "boom")
	s.Equal(models.HealthOK, stored.HealthStatus)
}

func (s *DispatcherSuite) TestGmailFailedMessageDoesNotBlockOthers() {
	acc := s.gmailAccount("100")
	s.p.gmail.history = &HistoryPage{MessageIDs: []string{"m1", "m2"}, NextCursor: "104"}
	s.p.gmail.fetchErr["m1"] = NewProviderError(models.ProviderGoogle, "get message", errBoom)

	res, err := s.p.dispatcher.HandleGmailPush(s.ctx, "push-secret", gmailPushBody("ops@example.com", 104))
	s.Require().NoError(err)
	s.Len(res.Claimed, 2)
	s.Equal([]string{"m2"}, s.p.forwarder.messageIDs())
	s.Equal("104", s.p.reload(s.T(), acc.ID).HistoryID)

	failed, err := s.p.ledger.Get(s.ctx, res.Claimed[0])
	s.Require().NoError(err)
	s.Equal(models.EventError, failed.Status)
	s.Contains(failed.LastError, "boom")

	// The next push replays the failed message
	delete(s.p.gmail.fetchErr, "m1")
	s.p.gmail.history = &HistoryPage{MessageIDs: []string{"m1"}, NextCursor: "105"}
	res, err = s.p.dispatcher.HandleGmailPush(s.ctx, "push-secret", gmailPushBody("ops@example.com", 105))
	s.Require().NoError(err)
	s.Equal([]string{failed.ID}, res.Claimed)
	s.Equal([]string{"m2", "m1"}, s.p.forwarder.messageIDs())
}

func (s *DispatcherSuite) TestTokenFailureIsRecordedOnAccount() {
	acc := s.gmailAccount("100")
	s.p.tokens.err = fmt.Errorf("token refresh failed for google (status 400, code %q)", "invalid_grant")

	res, err := s.p.dispatcher.HandleGmailPush(s.ctx, "push-secret", gmailPushBody("ops@example.com", 101))
	s.Require().NoError(err)
	s.False(res.Accepted)

	stored := s.p.reload(s.T(), acc.ID)
	s.Equal(models.HealthProviderRevoked, stored.HealthStatus)
	s.NotNil(stored.LastErrorAt)
	s.Equal(models.AccountConnected, stored.Status)
}

func (s *DispatcherSuite) graphAccount() *models.Account {
	acc := s.p.addAccount(s.T(), models.ProviderMicrosoft, "tenant-1", "ops@contoso.com")
	s.Require().NoError(s.p.accounts.UpdateWatch(s.ctx, acc.ID, storeWatch("sub-1")))
	return s.p.reload(s.T(), acc.ID)
}

func (s *DispatcherSuite) TestGraphNotificationWithWrongClientStateIsDropped() {
	s.graphAccount()

	res, err := s.p.dispatcher.HandleGraphNotifications(s.ctx, graphBody("sub-1", "forged", "AAMk1"))
	s.Require().NoError(err)
	s.Empty(res.Claimed)
	s.Equal(1, res.Skipped)
	s.Equal(0, s.p.countEvents(s.T(), models.DirectionInbound))
	s.Zero(s.p.outlook.fetchCount())
}

func (s *DispatcherSuite) TestGraphNotificationIsForwarded() {
	acc := s.graphAccount()

	res, err := s.p.dispatcher.HandleGraphNotifications(s.ctx, graphBody("sub-1", "state-secret", "AAMk1", "AAMk1"))
	s.Require().NoError(err)
	s.Len(res.Claimed, 1)
	s.Equal([]string{"AAMk1"}, s.p.forwarder.messageIDs())

	ev, err := s.p.ledger.Get(s.ctx, res.Claimed[0])
	s.Require().NoError(err)
	s.Equal(models.EventProcessed, ev.Status)
	s.Equal(acc.ID, ev.AccountID)
	s.Equal("thread-AAMk1", ev.ProviderThreadID)
	s.NotNil(s.p.reload(s.T(), acc.ID).LastPushAt)
}

func (s *DispatcherSuite) TestGraphNotificationForUnknownSubscription() {
	res, err := s.p.dispatcher.HandleGraphNotifications(s.ctx, graphBody("sub-x", "state-secret", "AAMk1"))
	s.Require().NoError(err)
	s.Equal(1, res.Skipped)
	s.Equal(0, s.p.countEvents(s.T(), models.DirectionInbound))
}

func (s *DispatcherSuite) TestRedrive() {
	acc := s.gmailAccount("100")
	s.p.gmail.history = &HistoryPage{MessageIDs: []string{"m1"}, NextCursor: "101"}
	s.p.forwarder.err = errBoom

	res, err := s.p.dispatcher.HandleGmailPush(s.ctx, "push-secret", gmailPushBody(acc.EmailAddress, 101))
	s.Require().NoError(err)
	s.Require().Len(res.Claimed, 1)

	s.p.forwarder.err = nil
	s.Require().NoError(s.p.dispatcher.Redrive(s.ctx, res.Claimed[0]))
	s.Equal([]string{"m1"}, s.p.forwarder.messageIDs())

	ev, err := s.p.ledger.Get(s.ctx, res.Claimed[0])
	s.Require().NoError(err)
	s.Equal(models.EventProcessed, ev.Status)
	s.Equal(2, ev.Attempts)

	s.ErrorIs(s.p.dispatcher.Redrive(s.ctx, res.Claimed[0]), ErrAlreadyProcessed)
}

func (s *DispatcherSuite) TestRedriveRefusesEventOwnedByWorker() {
	acc := s.gmailAccount("100")
	claim, err := s.p.ledger.InitInboundEvent(s.ctx, eventstore.InboundKey{
		AccountID:         acc.ID,
		TenantID:          acc.TenantID,
		Provider:          acc.Provider,
		ProviderMessageID: "m1",
		ReceivedAt:        time.Now(),
	})
	s.Require().NoError(err)
	ok, err := s.p.ledger.BeginProcessing(s.ctx, claim.EventID)
	s.Require().NoError(err)
	s.Require().True(ok)

	s.ErrorIs(s.p.dispatcher.Redrive(s.ctx, claim.EventID), eventstore.ErrEventInFlight)
	s.Empty(s.p.forwarder.messageIDs())
	s.Zero(s.p.gmail.fetchCount())
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func TestGraphMessageIDFromResource(t *testing.T) {
	n := graphNotification{Resource: "Users/u1/Messages('AAMk2')"}
	assert.Equal(t, "AAMk2", n.messageID())

	n = graphNotification{Resource: "Users/u1/Messages/AAMk3"}
	assert.Equal(t, "AAMk3", n.messageID())
}
