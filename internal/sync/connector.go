package sync

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/store"
)

// CodeExchanger trades an OAuth authorization code for tokens
type CodeExchanger interface {
	Exchange(ctx context.Context, p models.Provider, code string) (*oauth2.Token, error)
}

// Encrypter seals credentials before they are stored
type Encrypter interface {
	Encrypt(plaintext string) (string, error)
}

// Connector finishes the OAuth flow: it stores the account and registers push delivery
type Connector struct {
	OAuth     CodeExchanger
	Vault     Encrypter
	Accounts  AccountStore
	Providers Providers
	Log       *logrus.Logger
}

// Connect exchanges code and upserts the mailbox for tenantID. A failed watch
// registration leaves the account connected with the error recorded, so the
// watchdog retries it.
func (c *Connector) Connect(ctx context.Context, p models.Provider, tenantID, code string) (*models.Account, error) {
	provider, err := c.Providers.Get(p)
	if err != nil {
		return nil, err
	}

	tok, err := c.OAuth.Exchange(ctx, p, code)
	if err != nil {
		return nil, err
	}

	address, err := provider.MailboxAddress(ctx, tok.AccessToken)
	if err != nil {
		return nil, err
	}

	acc := &models.Account{
		TenantID:     tenantID,
		Provider:     p,
		EmailAddress: address,
		Scopes:       grantedScopes(tok),
	}
	if acc.AccessTokenEnc, err = c.Vault.Encrypt(tok.AccessToken); err != nil {
		return nil, err
	}
	if tok.RefreshToken != "" {
		enc, err := c.Vault.Encrypt(tok.RefreshToken)
		if err != nil {
			return nil, err
		}
		acc.RefreshTokenEnc = &enc
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		acc.AccessTokenExpiresAt = &exp
	}

	id, err := c.Accounts.Upsert(ctx, acc)
	if err != nil {
		return nil, err
	}
	stored, err := c.Accounts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	logger := c.logger().WithFields(logrus.Fields{"account_id": stored.ID, "provider": p})
	if !stored.HasRefreshToken() {
		logger.Warn("provider returned no refresh token, account will need reconnecting")
	}

	state, err := provider.EnsureWatch(ctx, MailboxFor(stored, tok.AccessToken), WatchOptions{Force: true})
	if err != nil {
		logger.WithError(err).Warn("initial watch registration failed")
		if recErr := c.Accounts.RecordError(ctx, stored.ID, err.Error(), ClassifyHealth(err.Error())); recErr != nil {
			logger.WithError(recErr).Error("failed to record account error")
		}
		return c.Accounts.GetByID(ctx, stored.ID)
	}

	health := models.HealthOK
	if !stored.HasRefreshToken() {
		health = models.HealthNeedsReconnect
	}
	err = c.Accounts.UpdateWatch(ctx, stored.ID, store.WatchUpdate{
		HistoryID:      state.HistoryID,
		SubscriptionID: state.SubscriptionID,
		ExpiresAt:      state.ExpiresAt,
		Health:         health,
	})
	if err != nil {
		return nil, fmt.Errorf("persist watch: %w", err)
	}

	logger.WithField("email", address).Info("mailbox connected")
	return c.Accounts.GetByID(ctx, stored.ID)
}

func (c *Connector) logger() *logrus.Logger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}

func grantedScopes(tok *oauth2.Token) []string {
	s, _ := tok.Extra("scope").(string)
	return strings.Fields(s)
}
