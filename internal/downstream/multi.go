package downstream

import (
	"context"
	"errors"

	"github.com/Martian-dev/mailsync/internal/models"
)

// Forwarder delivers a processed message somewhere
type Forwarder interface {
	Forward(ctx context.Context, eventID string, acc *models.Account, msg *models.Message) error
}

// Multi forwards to every target in order. It fails if any target fails, so
// the event is retried; targets dedup on the idempotency key.
type Multi []Forwarder

// Forward implements Forwarder
func (m Multi) Forward(ctx context.Context, eventID string, acc *models.Account, msg *models.Message) error {
	var errs []error
	for _, f := range m {
		if err := f.Forward(ctx, eventID, acc, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
