package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/vault"
)

// DefaultRefreshBuffer is how close to expiry a token is refreshed
const DefaultRefreshBuffer = 2 * time.Minute

var (
	// ErrMissingRefreshToken means the account cannot refresh and must reconnect
	ErrMissingRefreshToken = errors.New("missing refresh token")
	// ErrTokenRefreshFailed is matched by *TokenRefreshFailedError
	ErrTokenRefreshFailed = errors.New("token refresh failed")
)

// TokenRefreshFailedError carries the provider response of a rejected refresh
type TokenRefreshFailedError struct {
	Provider models.Provider
	Code     string
	Status   int
	Body     string
	Err      error
}

func (e *TokenRefreshFailedError) Error() string {
	return fmt.Sprintf("token refresh failed for %s (status %d, code %q): %s", e.Provider, e.Status, e.Code, e.Body)
}

func (e *TokenRefreshFailedError) Unwrap() error { return e.Err }

func (e *TokenRefreshFailedError) Is(target error) bool { return target == ErrTokenRefreshFailed }

func refreshError(p models.Provider, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		out := &TokenRefreshFailedError{
			Provider: p,
			Code:     rerr.ErrorCode,
			Body:     string(rerr.Body),
			Err:      err,
		}
		if rerr.Response != nil {
			out.Status = rerr.Response.StatusCode
		}
		return out
	}
	return fmt.Errorf("token endpoint for %s: %w", p, err)
}

// TokenStore persists refreshed credentials
type TokenStore interface {
	UpdateTokens(ctx context.Context, id, accessEnc string, expiresAt *time.Time, refreshEnc *string) error
}

// TokenManagerOptions tunes a TokenManager
type TokenManagerOptions struct {
	RefreshBuffer time.Duration
	HTTPTimeout   time.Duration
	Logger        *logrus.Logger
}

// TokenManager hands out valid access tokens, refreshing them when needed
type TokenManager struct {
	vault  *vault.Vault
	oauth  *OAuth
	store  TokenStore
	buffer time.Duration
	client *http.Client
	log    *logrus.Logger
	group  singleflight.Group
	now    func() time.Time
}

// NewTokenManager creates a token manager
func NewTokenManager(v *vault.Vault, o *OAuth, s TokenStore, opts TokenManagerOptions) *TokenManager {
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = DefaultRefreshBuffer
	}
	if opts.HTTPTimeout <= 0 {
		opts.HTTPTimeout = 20 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &TokenManager{
		vault:  v,
		oauth:  o,
		store:  s,
		buffer: opts.RefreshBuffer,
		client: &http.Client{Timeout: opts.HTTPTimeout},
		log:    opts.Logger,
		now:    time.Now,
	}
}

type refreshed struct {
	access     string
	accessEnc  string
	expiresAt  *time.Time
	refreshEnc *string
}

// GetValidAccessToken returns a plaintext access token valid for at least the refresh buffer.
// The account is updated in place when a refresh happens.
func (m *TokenManager) GetValidAccessToken(ctx context.Context, acc *models.Account) (string, error) {
	if acc.AccessTokenExpiresAt != nil && acc.AccessTokenExpiresAt.Sub(m.now()) > m.buffer {
		return m.vault.Decrypt(acc.AccessTokenEnc)
	}

	if !acc.HasRefreshToken() {
		return "", ErrMissingRefreshToken
	}

	// Collapse concurrent refreshes of one account
	v, err, shared := m.group.Do(acc.ID, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), acc)
	})
	if err != nil {
		return "", err
	}

	r := v.(*refreshed)
	if shared {
		m.log.WithField("account_id", acc.ID).Debug("shared in-flight token refresh")
	}
	acc.AccessTokenEnc = r.accessEnc
	acc.AccessTokenExpiresAt = r.expiresAt
	if r.refreshEnc != nil {
		acc.RefreshTokenEnc = r.refreshEnc
	}
	return r.access, nil
}

func (m *TokenManager) refresh(ctx context.Context, acc *models.Account) (*refreshed, error) {
	cfg, err := m.oauth.Config(acc.Provider)
	if err != nil {
		return nil, err
	}

	refreshToken, err := m.vault.Decrypt(*acc.RefreshTokenEnc)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.client.Timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)

	// An expired token forces the source to hit the token endpoint
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{
		RefreshToken: refreshToken,
		Expiry:       time.Unix(1, 0),
	}).Token()
	if err != nil {
		return nil, refreshError(acc.Provider, err)
	}

	accessEnc, err := m.vault.Encrypt(tok.AccessToken)
	if err != nil {
		return nil, err
	}

	out := &refreshed{access: tok.AccessToken, accessEnc: accessEnc}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		out.expiresAt = &exp
	}

	// oauth2 echoes the old refresh token when the response omits one
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		enc, err := m.vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return nil, err
		}
		out.refreshEnc = &enc
	}

	if err := m.store.UpdateTokens(ctx, acc.ID, out.accessEnc, out.expiresAt, out.refreshEnc); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"account_id": acc.ID,
		"provider":   acc.Provider,
		"rotated":    out.refreshEnc != nil,
	}).Info("refreshed access token")
	return out, nil
}
