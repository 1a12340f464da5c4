package outlook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
)

// graphAPI is the slice of Microsoft Graph the adapter uses
type graphAPI interface {
	GetMessage(ctx context.Context, token, mailbox, id string) (models.Messageable, error)
	ListAttachments(ctx context.Context, token, mailbox, id string) ([]models.Attachmentable, error)
	CreateSubscription(ctx context.Context, token string, sub models.Subscriptionable) (models.Subscriptionable, error)
	RenewSubscription(ctx context.Context, token, id string, expires time.Time) (models.Subscriptionable, error)
	CreateReply(ctx context.Context, token, mailbox, id, comment, subject string) (string, error)
	SendDraft(ctx context.Context, token, mailbox, draftID string) error
	Me(ctx context.Context, token string) (models.Userable, error)
}

// sdkGraph implements graphAPI with the Graph SDK, one client per access token
type sdkGraph struct {
	// baseURL overrides the Graph endpoint when set
	baseURL string
}

func (g sdkGraph) client(token string) (*msgraphsdk.GraphServiceClient, error) {
	cred := &staticTokenCredential{token: token}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	if g.baseURL != "" {
		client.GetAdapter().SetBaseUrl(g.baseURL)
	}
	return client, nil
}

// immutableIDs asks Graph for ids that survive the draft moving to Sent Items
func immutableIDs() *abstractions.RequestHeaders {
	h := abstractions.NewRequestHeaders()
	h.Add("Prefer", `IdType="ImmutableId"`)
	return h
}

func (g sdkGraph) GetMessage(ctx context.Context, token, mailbox, id string) (models.Messageable, error) {
	c, err := g.client(token)
	if err != nil {
		return nil, err
	}
	return c.Users().ByUserId(mailbox).Messages().ByMessageId(id).Get(ctx, &users.ItemMessagesMessageItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesMessageItemRequestBuilderGetQueryParameters{
			Select: []string{"id", "conversationId", "internetMessageId", "subject", "from", "toRecipients",
				"ccRecipients", "body", "receivedDateTime", "hasAttachments"},
		},
	})
}

func (g sdkGraph) ListAttachments(ctx context.Context, token, mailbox, id string) ([]models.Attachmentable, error) {
	c, err := g.client(token)
	if err != nil {
		return nil, err
	}
	res, err := c.Users().ByUserId(mailbox).Messages().ByMessageId(id).Attachments().Get(ctx, nil)
	if err != nil {
		return nil, err
	}
	return res.GetValue(), nil
}

func (g sdkGraph) CreateSubscription(ctx context.Context, token string, sub models.Subscriptionable) (models.Subscriptionable, error) {
	c, err := g.client(token)
	if err != nil {
		return nil, err
	}
	return c.Subscriptions().Post(ctx, sub, nil)
}

func (g sdkGraph) RenewSubscription(ctx context.Context, token, id string, expires time.Time) (models.Subscriptionable, error) {
	c, err := g.client(token)
	if err != nil {
		return nil, err
	}
	body := models.NewSubscription()
	body.SetExpirationDateTime(&expires)
	return c.Subscriptions().BySubscriptionId(id).Patch(ctx, body, nil)
}

func (g sdkGraph) CreateReply(ctx context.Context, token, mailbox, id, comment, subject string) (string, error) {
	c, err := g.client(token)
	if err != nil {
		return "", err
	}
	body := users.NewItemMessagesItemCreateReplyPostRequestBody()
	body.SetComment(&comment)
	if subject != "" {
		msg := models.NewMessage()
		msg.SetSubject(&subject)
		body.SetMessage(msg)
	}

	draft, err := c.Users().ByUserId(mailbox).Messages().ByMessageId(id).CreateReply().Post(ctx, body,
		&users.ItemMessagesItemCreateReplyRequestBuilderPostRequestConfiguration{Headers: immutableIDs()})
	if err != nil {
		return "", err
	}
	if draft == nil || draft.GetId() == nil {
		return "", errors.New("createReply returned no draft id")
	}
	return *draft.GetId(), nil
}

func (g sdkGraph) SendDraft(ctx context.Context, token, mailbox, draftID string) error {
	c, err := g.client(token)
	if err != nil {
		return err
	}
	return c.Users().ByUserId(mailbox).Messages().ByMessageId(draftID).Send().Post(ctx,
		&users.ItemMessagesItemSendRequestBuilderPostRequestConfiguration{Headers: immutableIDs()})
}

func (g sdkGraph) Me(ctx context.Context, token string) (models.Userable, error) {
	c, err := g.client(token)
	if err != nil {
		return nil, err
	}
	return c.Me().Get(ctx, nil)
}

// describe flattens OData errors so the watchdog can classify them
func describe(err error) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		if main := oerr.GetErrorEscaped(); main != nil {
			code, msg := "", ""
			if main.GetCode() != nil {
				code = *main.GetCode()
			}
			if main.GetMessage() != nil {
				msg = *main.GetMessage()
			}
			return fmt.Errorf("graph %d %s: %s: %w", oerr.ResponseStatusCode, code, msg, err)
		}
	}
	return err
}

// staticTokenCredential implements the Azure credential interface
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
