package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/eventstore"
	"github.com/Martian-dev/mailsync/internal/models"
)

// ReplyRequest asks for a reply to an inbound message, identified either by
// its event id or by the downstream job linked to it
type ReplyRequest struct {
	AccountID       string `json:"account_id"`
	ClientID        string `json:"client_id"`
	ReplyToEventID  string `json:"reply_to_event_id"`
	JobID           string `json:"job_id"`
	Body            string `json:"body"`
	SubjectOverride string `json:"subject_override"`
}

// ReplyResult is a successfully sent reply
type ReplyResult struct {
	EventID           string `json:"event_id"`
	ProviderMessageID string `json:"provider_message_id"`
	ProviderThreadID  string `json:"provider_thread_id,omitempty"`
}

// Sender sends replies through the provider that received the original
type Sender struct {
	Accounts        AccountStore
	Ledger          EventLedger
	Tokens          TokenSource
	Providers       Providers
	ProviderTimeout time.Duration
	Log             *logrus.Logger
}

func (req *ReplyRequest) validate() error {
	switch {
	case req.AccountID == "":
		return fmt.Errorf("%w: account_id is required", ErrInvalidReply)
	case req.ClientID == "":
		return fmt.Errorf("%w: client_id is required", ErrInvalidReply)
	case req.ReplyToEventID == "" && req.JobID == "":
		return fmt.Errorf("%w: reply_to_event_id or job_id is required", ErrInvalidReply)
	case strings.TrimSpace(req.Body) == "":
		return fmt.Errorf("%w: body is required", ErrInvalidReply)
	}
	return nil
}

// ReplySubject prefixes the original subject with "Re: " unless it already has one
func ReplySubject(original string) string {
	s := strings.TrimSpace(original)
	if len(s) >= 3 && strings.EqualFold(s[:3], "re:") {
		return s
	}
	return "Re: " + s
}

// Send validates and sends a reply. Validation failures record nothing; a
// token or provider failure records an outbound error event.
func (s *Sender) Send(ctx context.Context, req ReplyRequest) (*ReplyResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	acc, err := s.Accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if acc.Status == models.AccountDisconnected {
		return nil, ErrAccountDisconnected
	}
	if acc.TenantID != req.ClientID {
		return nil, ErrTenantMismatch
	}

	var original *models.Event
	if req.ReplyToEventID != "" {
		original, err = s.Ledger.Get(ctx, req.ReplyToEventID)
	} else {
		original, err = s.Ledger.FindLatestInboundByJob(ctx, req.ClientID, req.JobID)
	}
	if err != nil {
		return nil, err
	}
	if original.TenantID != req.ClientID {
		return nil, ErrTenantMismatch
	}
	if original.Direction != models.DirectionInbound || original.AccountID != acc.ID {
		return nil, ErrNotInbound
	}

	provider, err := s.Providers.Get(acc.Provider)
	if err != nil {
		return nil, err
	}

	reply := Reply{
		ReplyContext: ReplyContext{
			ThreadID:          original.ProviderThreadID,
			OriginalMessageID: original.ProviderMessageID,
			InternetMessageID: original.MetadataString(eventstore.MetaInternetMessageID),
			To:                replyRecipients(original),
		},
		From:    acc.EmailAddress,
		Subject: req.SubjectOverride,
		Body:    req.Body,
	}
	if reply.Subject == "" {
		reply.Subject = ReplySubject(original.Subject)
	}
	if err := provider.CheckReplyContext(reply.ReplyContext); err != nil {
		return nil, err
	}

	logger := s.log().WithFields(logrus.Fields{
		"account_id": acc.ID,
		"provider":   acc.Provider,
		"event_id":   original.ID,
	})

	record := eventstore.OutboundRecord{
		AccountID:        acc.ID,
		TenantID:         acc.TenantID,
		Provider:         acc.Provider,
		ProviderThreadID: original.ProviderThreadID,
		Envelope: models.Envelope{
			From:    acc.EmailAddress,
			To:      reply.To,
			Subject: reply.Subject,
		},
		BodyText: req.Body,
		JobID:    req.JobID,
		Metadata: map[string]any{
			eventstore.MetaInReplyTo:      original.ProviderMessageID,
			eventstore.MetaReplyToEventID: original.ID,
		},
	}
	if record.JobID == "" {
		record.JobID = original.JobID
	}

	providerID, sendErr := s.send(ctx, provider, acc, reply)
	if sendErr != nil {
		record.Status = models.EventError
		record.LastError = sendErr.Error()
		if _, err := s.Ledger.RecordOutbound(ctx, record); err != nil {
			logger.WithError(err).Error("failed to record failed reply")
		}
		logger.WithError(sendErr).Warn("reply failed")
		return nil, sendErr
	}

	record.Status = models.EventProcessed
	record.ProviderMessageID = providerID
	eventID, err := s.Ledger.RecordOutbound(ctx, record)
	if err != nil {
		// The reply is out; only the ledger row is missing
		logger.WithError(err).Error("failed to record sent reply")
		return nil, err
	}

	logger.WithField("message_id", providerID).Info("reply sent")
	return &ReplyResult{
		EventID:           eventID,
		ProviderMessageID: providerID,
		ProviderThreadID:  original.ProviderThreadID,
	}, nil
}

func (s *Sender) send(ctx context.Context, provider MailProvider, acc *models.Account, reply Reply) (string, error) {
	accessToken, err := s.Tokens.GetValidAccessToken(ctx, acc)
	if err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}

	timeout := s.ProviderTimeout
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return provider.SendReply(sendCtx, MailboxFor(acc, accessToken), reply)
}

func (s *Sender) log() *logrus.Logger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

// replyRecipients answers the original sender
func replyRecipients(ev *models.Event) []string {
	if ev.From == "" {
		return nil
	}
	return []string{ev.From}
}
