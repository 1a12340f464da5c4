package outlook

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/sirupsen/logrus"

	domain "github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// Options configures the Microsoft Graph adapter
type Options struct {
	// NotificationURL receives subscription notifications
	NotificationURL string
	// ClientState is echoed by Graph in every notification
	ClientState string
	// SubscriptionTTL is how far ahead a subscription is set to expire
	SubscriptionTTL time.Duration
	// RenewBefore renews subscriptions expiring within this window
	RenewBefore time.Duration
	Logger      *logrus.Logger
}

// Adapter implements MailProvider for Outlook/Microsoft Graph
type Adapter struct {
	api  graphAPI
	opts Options
	log  *logrus.Logger
	now  func() time.Time
}

// New creates an Outlook adapter backed by the Graph SDK
func New(opts Options) *Adapter {
	return newAdapter(sdkGraph{}, opts)
}

func newAdapter(api graphAPI, opts Options) *Adapter {
	if opts.SubscriptionTTL <= 0 {
		opts.SubscriptionTTL = 48 * time.Hour
	}
	if opts.RenewBefore <= 0 {
		opts.RenewBefore = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Adapter{api: api, opts: opts, log: opts.Logger, now: time.Now}
}

var _ sync.MailProvider = (*Adapter)(nil)

// Provider returns models.ProviderMicrosoft
func (a *Adapter) Provider() domain.Provider { return domain.ProviderMicrosoft }

func (a *Adapter) wrap(op string, err error) error {
	return sync.NewProviderError(domain.ProviderMicrosoft, op, describe(err))
}

// FetchMessage loads a message and its file attachments, including inline
// images referenced from the html body
func (a *Adapter) FetchMessage(ctx context.Context, mb sync.Mailbox, id string) (*domain.Message, error) {
	m, err := a.api.GetMessage(ctx, mb.AccessToken, mb.Address, id)
	if err != nil {
		return nil, a.wrap("get message "+id, err)
	}

	msg := normalizeOutlook(m)
	if msg.ProviderMessageID == "" {
		msg.ProviderMessageID = id
	}

	if hasAttachments(m) || strings.Contains(msg.BodyHTML, "cid:") {
		atts, err := a.api.ListAttachments(ctx, mb.AccessToken, mb.Address, id)
		if err != nil {
			a.log.WithFields(logrus.Fields{
				"account_id": mb.AccountID,
				"message_id": id,
			}).WithError(describe(err)).Warn("skipping attachments")
		} else {
			msg.Attachments = extractAttachments(atts)
		}
	}
	return msg, nil
}

// EnsureWatch renews the subscription, or creates one when none exists or renewal fails
func (a *Adapter) EnsureWatch(ctx context.Context, mb sync.Mailbox, opts sync.WatchOptions) (*sync.WatchState, error) {
	now := a.now()
	due := opts.Force || mb.SubscriptionID == "" || mb.WatchExpiresAt == nil ||
		mb.WatchExpiresAt.Sub(now) < a.opts.RenewBefore
	if !due {
		return &sync.WatchState{SubscriptionID: mb.SubscriptionID, ExpiresAt: mb.WatchExpiresAt}, nil
	}

	expires := now.Add(a.opts.SubscriptionTTL).UTC()
	logger := a.log.WithFields(logrus.Fields{"account_id": mb.AccountID, "provider": domain.ProviderMicrosoft})

	if mb.SubscriptionID != "" {
		sub, err := a.api.RenewSubscription(ctx, mb.AccessToken, mb.SubscriptionID, expires)
		if err == nil {
			return a.watchState(sub, mb.SubscriptionID, expires), nil
		}
		logger.WithError(describe(err)).Warn("subscription renewal failed, creating a new one")
	}

	if a.opts.NotificationURL == "" {
		return nil, fmt.Errorf("graph subscription: no notification URL configured")
	}

	sub := models.NewSubscription()
	changeType := "created"
	resource := fmt.Sprintf("users/%s/mailFolders('Inbox')/messages", mb.Address)
	sub.SetChangeType(&changeType)
	sub.SetResource(&resource)
	sub.SetNotificationUrl(&a.opts.NotificationURL)
	sub.SetExpirationDateTime(&expires)
	if a.opts.ClientState != "" {
		sub.SetClientState(&a.opts.ClientState)
	}

	created, err := a.api.CreateSubscription(ctx, mb.AccessToken, sub)
	if err != nil {
		return nil, a.wrap("create subscription", err)
	}
	if created == nil || created.GetId() == nil {
		return nil, a.wrap("create subscription", fmt.Errorf("no subscription id returned"))
	}
	logger.WithField("subscription_id", *created.GetId()).Info("created graph subscription")
	return a.watchState(created, "", expires), nil
}

func (a *Adapter) watchState(sub models.Subscriptionable, fallbackID string, fallbackExp time.Time) *sync.WatchState {
	state := &sync.WatchState{SubscriptionID: fallbackID, ExpiresAt: &fallbackExp, Renewed: true}
	if sub == nil {
		return state
	}
	if id := sub.GetId(); id != nil && *id != "" {
		state.SubscriptionID = *id
	}
	if exp := sub.GetExpirationDateTime(); exp != nil {
		e := exp.UTC()
		state.ExpiresAt = &e
	}
	return state
}

// CheckReplyContext requires the provider id of the original message
func (a *Adapter) CheckReplyContext(rc sync.ReplyContext) error {
	if rc.OriginalMessageID == "" {
		return fmt.Errorf("graph reply needs the original message id: %w", sync.ErrMissingThreadContext)
	}
	return nil
}

// SendReply creates a reply draft on the original message and sends it.
// The draft id is requested as an immutable id, so it still names the message in Sent Items.
func (a *Adapter) SendReply(ctx context.Context, mb sync.Mailbox, r sync.Reply) (string, error) {
	if err := a.CheckReplyContext(r.ReplyContext); err != nil {
		return "", err
	}

	draftID, err := a.api.CreateReply(ctx, mb.AccessToken, mb.Address, r.OriginalMessageID, r.Body, r.Subject)
	if err != nil {
		return "", a.wrap("create reply", err)
	}
	if err := a.api.SendDraft(ctx, mb.AccessToken, mb.Address, draftID); err != nil {
		return "", a.wrap("send reply", err)
	}
	return draftID, nil
}

// MailboxAddress returns the mail address of the signed-in user
func (a *Adapter) MailboxAddress(ctx context.Context, accessToken string) (string, error) {
	me, err := a.api.Me(ctx, accessToken)
	if err != nil {
		return "", a.wrap("get profile", err)
	}
	if mail := me.GetMail(); mail != nil && *mail != "" {
		return *mail, nil
	}
	if upn := me.GetUserPrincipalName(); upn != nil && *upn != "" {
		return *upn, nil
	}
	return "", a.wrap("get profile", fmt.Errorf("profile has no mail address"))
}

// normalizeOutlook converts a Graph message to the canonical message
func normalizeOutlook(m models.Messageable) *domain.Message {
	msg := &domain.Message{Provider: domain.ProviderMicrosoft}

	if id := m.GetId(); id != nil {
		msg.ProviderMessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ProviderThreadID = *convID
	}
	if imid := m.GetInternetMessageId(); imid != nil {
		msg.InternetMessageID = strings.Trim(*imid, "<>")
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				msg.From = *addr
			}
		}
	}
	if to := m.GetToRecipients(); to != nil {
		msg.To = extractAddresses(to)
	}
	if cc := m.GetCcRecipients(); cc != nil {
		msg.Cc = extractAddresses(cc)
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = rcvd.UTC()
	}

	// Graph returns a single body in either text or html
	if body := m.GetBody(); body != nil && body.GetContent() != nil {
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			msg.BodyHTML = *body.GetContent()
		} else {
			msg.BodyText = *body.GetContent()
		}
	}
	return msg
}

// hasAttachments reports the Graph flag, which stays false for inline-only attachments
func hasAttachments(m models.Messageable) bool {
	return m.GetHasAttachments() != nil && *m.GetHasAttachments()
}

// extractAddresses extracts email addresses from recipients
func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// extractAttachments keeps file attachments. Item and reference attachments carry no bytes.
func extractAttachments(atts []models.Attachmentable) []domain.Attachment {
	var out []domain.Attachment
	for _, att := range atts {
		file, ok := att.(models.FileAttachmentable)
		if !ok {
			continue
		}
		a := domain.Attachment{Base64: base64.StdEncoding.EncodeToString(file.GetContentBytes())}
		if name := file.GetName(); name != nil {
			a.Filename = *name
		}
		if ct := file.GetContentType(); ct != nil {
			a.MimeType = *ct
		}
		out = append(out, a)
	}
	return out
}
