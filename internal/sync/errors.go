package sync

import (
	"errors"
	"fmt"

	"github.com/Martian-dev/mailsync/internal/models"
)

var (
	// ErrMissingThreadContext means a reply lacks what the provider needs to thread it
	ErrMissingThreadContext = errors.New("missing thread context")
	// ErrTenantMismatch means account, event and caller disagree on the tenant
	ErrTenantMismatch = errors.New("tenant mismatch")
	// ErrNotInbound means a reply targets an event that is not inbound mail of the account
	ErrNotInbound = errors.New("event is not an inbound message of this account")
	// ErrProviderFetchFailed is matched by *ProviderError
	ErrProviderFetchFailed = errors.New("provider request failed")
	// ErrCursorExpired means the Gmail history cursor is too old to list from
	ErrCursorExpired = errors.New("history cursor expired")
	// ErrAlreadyProcessed is returned when re-driving a completed event
	ErrAlreadyProcessed = errors.New("event already processed")
)

// ProviderError wraps a transport or API failure of an adapter
type ProviderError struct {
	Provider models.Provider
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProviderFetchFailed }

// NewProviderError wraps err for an adapter operation. A nil err stays nil.
func NewProviderError(p models.Provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: p, Op: op, Err: err}
}

var (
	// ErrInvalidReply means a reply request lacks required fields
	ErrInvalidReply = errors.New("invalid reply request")
	// ErrAccountDisconnected means the account was disconnected by its owner
	ErrAccountDisconnected = errors.New("account disconnected")
)
