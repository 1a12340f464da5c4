// Package downstream delivers processed inbound mail to the automation consumer.
package downstream

import (
	"time"

	"github.com/Martian-dev/mailsync/internal/models"
)

// Payload is the JSON body sent for every processed inbound message
type Payload struct {
	EventID           string              `json:"event_id"`
	AccountID         string              `json:"account_id"`
	TenantID          string              `json:"tenant_id"`
	Provider          models.Provider     `json:"provider"`
	ProviderMessageID string              `json:"provider_message_id"`
	ProviderThreadID  string              `json:"provider_thread_id"`
	From              string              `json:"from"`
	To                []string            `json:"to"`
	Cc                []string            `json:"cc"`
	Subject           string              `json:"subject"`
	ReceivedAt        time.Time           `json:"received_at"`
	BodyText          string              `json:"body_text"`
	BodyHTML          string              `json:"body_html"`
	Attachments       []models.Attachment `json:"attachments"`
}

// NewPayload builds the consumer payload for a fetched message
func NewPayload(eventID string, acc *models.Account, msg *models.Message) Payload {
	p := Payload{
		EventID:           eventID,
		AccountID:         acc.ID,
		TenantID:          acc.TenantID,
		Provider:          acc.Provider,
		ProviderMessageID: msg.ProviderMessageID,
		ProviderThreadID:  msg.ProviderThreadID,
		From:              msg.From,
		To:                msg.To,
		Cc:                msg.Cc,
		Subject:           msg.Subject,
		ReceivedAt:        msg.ReceivedAt.UTC(),
		BodyText:          msg.BodyText,
		BodyHTML:          msg.BodyHTML,
		Attachments:       msg.Attachments,
	}
	if p.To == nil {
		p.To = []string{}
	}
	if p.Cc == nil {
		p.Cc = []string{}
	}
	if p.Attachments == nil {
		p.Attachments = []models.Attachment{}
	}
	return p
}

// IdempotencyKey is the consumer dedup key of a message
func IdempotencyKey(accountID, providerMessageID string) string {
	return accountID + ":" + providerMessageID
}
