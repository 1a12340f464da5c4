package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

const me = "me"

// Labels of messages we wrote ourselves; they never count as inbound
var ownLabels = map[string]bool{"SENT": true, "DRAFT": true}

// Options configures the Gmail adapter
type Options struct {
	// TopicName is the Pub/Sub topic users.watch publishes to
	TopicName string
	// RenewBefore renews a watch expiring within this window
	RenewBefore time.Duration
	Logger      *logrus.Logger
	// ClientOptions are appended to every service, tests use them to point at a fake server
	ClientOptions []option.ClientOption
}

// Adapter implements MailProvider and HistoryLister for Gmail
type Adapter struct {
	topic       string
	renewBefore time.Duration
	log         *logrus.Logger
	clientOpts  []option.ClientOption
}

// New creates a Gmail adapter
func New(opts Options) *Adapter {
	if opts.RenewBefore <= 0 {
		opts.RenewBefore = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Adapter{
		topic:       opts.TopicName,
		renewBefore: opts.RenewBefore,
		log:         opts.Logger,
		clientOpts:  opts.ClientOptions,
	}
}

var (
	_ sync.MailProvider  = (*Adapter)(nil)
	_ sync.HistoryLister = (*Adapter)(nil)
)

// Provider returns models.ProviderGoogle
func (a *Adapter) Provider() models.Provider { return models.ProviderGoogle }

func (a *Adapter) service(ctx context.Context, accessToken string) (*gmail.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"})
	opts := append([]option.ClientOption{option.WithTokenSource(ts)}, a.clientOpts...)

	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return svc, nil
}

func (a *Adapter) wrap(op string, err error) error {
	return sync.NewProviderError(models.ProviderGoogle, op, err)
}

// FetchMessage loads a message in full format and normalizes it
func (a *Adapter) FetchMessage(ctx context.Context, mb sync.Mailbox, id string) (*models.Message, error) {
	svc, err := a.service(ctx, mb.AccessToken)
	if err != nil {
		return nil, err
	}

	m, err := svc.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, a.wrap("get message "+id, err)
	}

	msg := normalize(m)
	msg.Attachments = a.loadAttachments(ctx, svc, m)
	return msg, nil
}

// loadAttachments resolves attachment bodies. A part that fails is logged and skipped.
func (a *Adapter) loadAttachments(ctx context.Context, svc *gmail.Service, m *gmail.Message) []models.Attachment {
	var out []models.Attachment
	for _, p := range attachmentParts(m.Payload) {
		data := p.Body.Data
		if p.Body.AttachmentId != "" {
			body, err := svc.Users.Messages.Attachments.Get(me, m.Id, p.Body.AttachmentId).Context(ctx).Do()
			if err != nil {
				a.log.WithFields(logrus.Fields{
					"message_id": m.Id,
					"filename":   p.Filename,
				}).WithError(err).Warn("skipping attachment")
				continue
			}
			data = body.Data
		}

		std, err := toStdBase64(data)
		if err != nil {
			a.log.WithField("message_id", m.Id).WithError(err).Warn("skipping undecodable attachment")
			continue
		}
		out = append(out, models.Attachment{
			Filename: p.Filename,
			MimeType: p.MimeType,
			Base64:   std,
		})
	}
	return out
}

// ListNewMessageIDs walks history from cursor and returns added inbound message ids
func (a *Adapter) ListNewMessageIDs(ctx context.Context, mb sync.Mailbox, cursor string) (*sync.HistoryPage, error) {
	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid history ID in cursor %q: %w", cursor, err)
	}

	svc, err := a.service(ctx, mb.AccessToken)
	if err != nil {
		return nil, err
	}

	call := svc.Users.History.List(me).
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		MaxResults(500)

	latestHistoryID := startHistoryID
	seen := make(map[string]bool)
	var ids []string

	err = call.Pages(ctx, func(page *gmail.ListHistoryResponse) error {
		if page.HistoryId > latestHistoryID {
			latestHistoryID = page.HistoryId
		}
		for _, h := range page.History {
			if h.Id > latestHistoryID {
				latestHistoryID = h.Id
			}
			for _, added := range h.MessagesAdded {
				if added.Message == nil || seen[added.Message.Id] {
					continue
				}
				seen[added.Message.Id] = true
				if hasOwnLabel(added.Message.LabelIds) {
					continue
				}
				ids = append(ids, added.Message.Id)
			}
		}
		return nil
	})
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("history from %s: %w", cursor, sync.ErrCursorExpired)
		}
		return nil, a.wrap("list history", err)
	}

	return &sync.HistoryPage{
		MessageIDs: ids,
		NextCursor: strconv.FormatUint(latestHistoryID, 10),
	}, nil
}

func hasOwnLabel(labels []string) bool {
	for _, l := range labels {
		if ownLabels[l] {
			return true
		}
	}
	return false
}

// EnsureWatch calls users.watch when forced, when no cursor exists, or when the
// watch is close to expiry. HistoryID is set only when the mailbox had no cursor.
func (a *Adapter) EnsureWatch(ctx context.Context, mb sync.Mailbox, opts sync.WatchOptions) (*sync.WatchState, error) {
	due := opts.Force || mb.HistoryID == "" || mb.WatchExpiresAt == nil ||
		time.Until(*mb.WatchExpiresAt) < a.renewBefore
	if !due {
		return &sync.WatchState{ExpiresAt: mb.WatchExpiresAt}, nil
	}
	if a.topic == "" {
		return nil, fmt.Errorf("gmail watch: no Pub/Sub topic configured")
	}

	svc, err := a.service(ctx, mb.AccessToken)
	if err != nil {
		return nil, err
	}

	resp, err := svc.Users.Watch(me, &gmail.WatchRequest{
		TopicName: a.topic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return nil, a.wrap("watch", err)
	}

	// Renewals leave the cursor to the push path, which may have moved it since mb was read
	state := &sync.WatchState{Renewed: true}
	if mb.HistoryID == "" {
		state.HistoryID = strconv.FormatUint(resp.HistoryId, 10)
	}
	if resp.Expiration > 0 {
		exp := time.UnixMilli(resp.Expiration).UTC()
		state.ExpiresAt = &exp
	}
	return state, nil
}

// CheckReplyContext requires a thread and a recipient
func (a *Adapter) CheckReplyContext(rc sync.ReplyContext) error {
	if rc.ThreadID == "" {
		return fmt.Errorf("gmail reply needs a thread id: %w", sync.ErrMissingThreadContext)
	}
	if len(rc.To) == 0 {
		return fmt.Errorf("gmail reply needs a recipient: %w", sync.ErrMissingThreadContext)
	}
	return nil
}

// SendReply sends an RFC 5322 reply into the original thread
func (a *Adapter) SendReply(ctx context.Context, mb sync.Mailbox, r sync.Reply) (string, error) {
	if err := a.CheckReplyContext(r.ReplyContext); err != nil {
		return "", err
	}

	from := r.From
	if from == "" {
		from = mb.Address
	}
	raw, err := composeReply(from, r, time.Now())
	if err != nil {
		return "", err
	}

	svc, err := a.service(ctx, mb.AccessToken)
	if err != nil {
		return "", err
	}

	sent, err := svc.Users.Messages.Send(me, &gmail.Message{
		Raw:      raw,
		ThreadId: r.ThreadID,
	}).Context(ctx).Do()
	if err != nil {
		return "", a.wrap("send", err)
	}
	return sent.Id, nil
}

// MailboxAddress returns the profile address of the token owner
func (a *Adapter) MailboxAddress(ctx context.Context, accessToken string) (string, error) {
	svc, err := a.service(ctx, accessToken)
	if err != nil {
		return "", err
	}
	profile, err := svc.Users.GetProfile(me).Context(ctx).Do()
	if err != nil {
		return "", a.wrap("get profile", err)
	}
	return profile.EmailAddress, nil
}
