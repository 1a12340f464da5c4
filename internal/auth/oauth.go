package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/mailsync/internal/models"
)

// Scopes requested per provider. Offline access is what yields refresh tokens.
var (
	GoogleScopes = []string{
		"openid",
		"email",
		"https://www.googleapis.com/auth/gmail.modify",
		"https://www.googleapis.com/auth/gmail.send",
	}
	MicrosoftScopes = []string{
		"openid",
		"email",
		"offline_access",
		"User.Read",
		"Mail.ReadWrite",
		"Mail.Send",
	}
)

// OAuthCredentials are the client registration values for one provider
type OAuthCredentials struct {
	ClientID     string
	ClientSecret string
}

// OAuth holds the oauth2 configs for both providers
type OAuth struct {
	configs map[models.Provider]*oauth2.Config
}

// NewOAuth builds provider configs. Providers without a client id are left out.
// msTenant selects the Azure AD authority, "common" for multi-tenant apps.
func NewOAuth(publicBaseURL string, googleCreds, msCreds OAuthCredentials, msTenant string) *OAuth {
	o := &OAuth{configs: make(map[models.Provider]*oauth2.Config)}
	if googleCreds.ClientID != "" {
		o.configs[models.ProviderGoogle] = &oauth2.Config{
			ClientID:     googleCreds.ClientID,
			ClientSecret: googleCreds.ClientSecret,
			Endpoint:     googleEndpoint(),
			RedirectURL:  publicBaseURL + "/oauth/google/callback",
			Scopes:       GoogleScopes,
		}
	}
	if msCreds.ClientID != "" {
		if msTenant == "" {
			msTenant = "common"
		}
		o.configs[models.ProviderMicrosoft] = &oauth2.Config{
			ClientID:     msCreds.ClientID,
			ClientSecret: msCreds.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint(msTenant),
			RedirectURL:  publicBaseURL + "/oauth/microsoft/callback",
			Scopes:       MicrosoftScopes,
		}
	}
	return o
}

func googleEndpoint() oauth2.Endpoint {
	ep := google.Endpoint
	ep.AuthStyle = oauth2.AuthStyleInParams
	return ep
}

// SetConfig overrides the config of one provider
func (o *OAuth) SetConfig(p models.Provider, cfg *oauth2.Config) {
	o.configs[p] = cfg
}

// Config returns the oauth2 config for a provider
func (o *OAuth) Config(p models.Provider) (*oauth2.Config, error) {
	cfg, ok := o.configs[p]
	if !ok {
		return nil, fmt.Errorf("oauth not configured for provider %q", p)
	}
	return cfg, nil
}

// AuthCodeURL builds the consent redirect
func (o *OAuth) AuthCodeURL(p models.Provider, state string) (string, error) {
	cfg, err := o.Config(p)
	if err != nil {
		return "", err
	}
	opts := []oauth2.AuthCodeOption{oauth2.AccessTypeOffline}
	if p == models.ProviderGoogle {
		// Google only returns a refresh token on forced consent
		opts = append(opts, oauth2.ApprovalForce)
	}
	return cfg.AuthCodeURL(state, opts...), nil
}

// Exchange trades an authorization code for tokens
func (o *OAuth) Exchange(ctx context.Context, p models.Provider, code string) (*oauth2.Token, error) {
	cfg, err := o.Config(p)
	if err != nil {
		return nil, err
	}
	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, refreshError(p, err)
	}
	return tok, nil
}
