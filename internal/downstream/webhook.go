package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/Martian-dev/mailsync/internal/models"
)

// ErrDeliveryFailed is matched by *DeliveryError
var ErrDeliveryFailed = errors.New("downstream delivery failed")

// DeliveryError is a non-2xx answer from the consumer
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("downstream returned %d: %s", e.StatusCode, e.Body)
}

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailed }

// WebhookOptions configures the HTTP forwarder
type WebhookOptions struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *http.Client
	Logger  *logrus.Logger
}

// Webhook posts payloads to the consumer behind a circuit breaker
type Webhook struct {
	url    string
	secret string
	client *http.Client
	cb     *gobreaker.CircuitBreaker
	log    *logrus.Logger
}

// NewWebhook creates the HTTP forwarder
func NewWebhook(opts WebhookOptions) (*Webhook, error) {
	if opts.URL == "" {
		return nil, errors.New("downstream webhook url is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	w := &Webhook{
		url:    opts.URL,
		secret: opts.Secret,
		client: opts.Client,
		log:    opts.Logger,
	}
	w.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "downstream-webhook",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	return w, nil
}

// Forward delivers one processed message
func (w *Webhook) Forward(ctx context.Context, eventID string, acc *models.Account, msg *models.Message) error {
	body, err := json.Marshal(NewPayload(eventID, acc, msg))
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	_, err = w.cb.Execute(func() (interface{}, error) {
		return nil, w.post(ctx, IdempotencyKey(acc.ID, msg.ProviderMessageID), body)
	})
	if err != nil {
		return fmt.Errorf("webhook (%s): %w", w.cb.State().String(), err)
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, key string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	if w.secret != "" {
		req.Header.Set("X-Webhook-Secret", w.secret)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &DeliveryError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// State reports the breaker state
func (w *Webhook) State() string {
	return w.cb.State().String()
}
