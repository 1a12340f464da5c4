package natsjs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Martian-dev/mailsync/internal/downstream"
	"github.com/Martian-dev/mailsync/internal/models"
)

// Stream defaults
const (
	DefaultStream        = "MAIL_EVENTS"
	DefaultSubjectPrefix = "mail"
)

type jetStream interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher fans processed mail out to NATS JetStream
type Publisher struct {
	nc     *nats.Conn
	js     jetStream
	jsm    nats.JetStreamManager
	stream string
	prefix string
}

// NewPublisher connects to NATS and opens a JetStream context
func NewPublisher(url, stream, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url, nats.Name("mailsync"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	if stream == "" {
		stream = DefaultStream
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{nc: nc, js: js, jsm: js, stream: stream, prefix: prefix}, nil
}

// EnsureStream creates the mail stream unless it exists
func (p *Publisher) EnsureStream(ctx context.Context) error {
	if info, err := p.jsm.StreamInfo(p.stream, nats.Context(ctx)); err == nil && info != nil {
		return nil
	}

	_, err := p.jsm.AddStream(&nats.StreamConfig{
		Name:       p.stream,
		Subjects:   []string{p.prefix + ".>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	}, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish sends a message with JetStream deduplication on msgID
func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Subject is where a tenant's received mail is published
func (p *Publisher) Subject(tenantID string, provider models.Provider) string {
	return fmt.Sprintf("%s.%s.%s.received", p.prefix, subjectToken(tenantID), subjectToken(string(provider)))
}

// Forward publishes the consumer payload of a processed message
func (p *Publisher) Forward(ctx context.Context, eventID string, acc *models.Account, msg *models.Message) error {
	payload, err := json.Marshal(downstream.NewPayload(eventID, acc, msg))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	return p.Publish(ctx, p.Subject(acc.TenantID, acc.Provider), payload,
		downstream.IdempotencyKey(acc.ID, msg.ProviderMessageID))
}

// Close closes the NATS connection
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// subjectToken makes s safe as a single subject token
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}
