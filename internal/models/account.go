package models

import "time"

// Provider identifies the mail provider behind an account
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// Valid reports whether p is one of the supported providers
func (p Provider) Valid() bool {
	return p == ProviderGoogle || p == ProviderMicrosoft
}

// HealthStatus describes whether an account's credentials still work
type HealthStatus string

const (
	HealthOK              HealthStatus = "ok"
	HealthNeedsReconnect  HealthStatus = "needs_reconnect"
	HealthRefreshFailed   HealthStatus = "refresh_failed"
	HealthProviderRevoked HealthStatus = "provider_revoked"
)

// AccountStatus is the connection lifecycle of an account
type AccountStatus string

const (
	AccountConnected    AccountStatus = "connected"
	AccountDisconnected AccountStatus = "disconnected"
)

// Account is one connected mailbox. Token fields hold vault ciphertext only.
type Account struct {
	ID                    string
	TenantID              string
	Provider              Provider
	EmailAddress          string
	AccessTokenEnc        string
	RefreshTokenEnc       *string
	AccessTokenExpiresAt  *time.Time
	Scopes                []string
	HistoryID             string // Gmail cursor
	SubscriptionID        string // Graph subscription
	SubscriptionExpiresAt *time.Time
	LastPushAt            *time.Time
	LastSyncedAt          *time.Time
	LastError             string
	LastErrorAt           *time.Time
	HealthStatus          HealthStatus
	Status                AccountStatus
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasRefreshToken reports whether a refresh token is stored
func (a *Account) HasRefreshToken() bool {
	return a.RefreshTokenEnc != nil && *a.RefreshTokenEnc != ""
}
