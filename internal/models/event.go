package models

import "time"

// EventStatus is the processing state of a ledger row
type EventStatus string

const (
	EventReceived   EventStatus = "received"
	EventProcessing EventStatus = "processing"
	EventProcessed  EventStatus = "processed"
	EventError      EventStatus = "error"
)

// Direction tells inbound mail from replies we sent
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Envelope holds the addressing headers of a message
type Envelope struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Cc      []string `json:"cc"`
	Subject string   `json:"subject"`
}

// Attachment carries attachment bytes as standard base64
type Attachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`
	Base64   string `json:"base64"`
}

// Message is the provider-agnostic representation of one email
type Message struct {
	Provider          Provider
	ProviderMessageID string
	ProviderThreadID  string
	InternetMessageID string // RFC 5322 Message-ID header
	Envelope
	ReceivedAt  time.Time
	BodyText    string
	BodyHTML    string
	Attachments []Attachment
}

// Event is one inbound or outbound email tracked by the ledger
type Event struct {
	ID                  string
	AccountID           string
	TenantID            string
	Provider            Provider
	ProviderMessageID   string
	ProviderThreadID    string
	Direction           Direction
	Envelope
	BodyText            string
	BodyHTML            string
	Attachments         []Attachment
	OccurredAt          time.Time
	Status              EventStatus
	Attempts            int
	LastError           string
	Metadata            map[string]any
	JobID               string
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// MetadataString returns a string metadata value or ""
func (e *Event) MetadataString(key string) string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata[key].(string)
	return s
}
