package server

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/models"
)

const (
	stateCookie    = "mailsync_oauth_state"
	stateCookieTTL = 10 * 60
)

type oauthState struct {
	State    string
	Provider models.Provider
	TenantID string
}

func (o oauthState) encode() string {
	v := url.Values{}
	v.Set("s", o.State)
	v.Set("p", string(o.Provider))
	v.Set("t", o.TenantID)
	return base64.RawURLEncoding.EncodeToString([]byte(v.Encode()))
}

func decodeOAuthState(raw string) (oauthState, error) {
	b, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return oauthState{}, err
	}
	v, err := url.ParseQuery(string(b))
	if err != nil {
		return oauthState{}, err
	}
	st := oauthState{State: v.Get("s"), Provider: models.Provider(v.Get("p")), TenantID: v.Get("t")}
	if st.State == "" || st.TenantID == "" {
		return oauthState{}, errors.New("incomplete state")
	}
	return st, nil
}

func (s *server) secureCookies() bool {
	return strings.HasPrefix(s.PublicBaseURL, "https://")
}

func (s *server) setStateCookie(c *gin.Context, value string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(stateCookie, value, maxAge, "/oauth", "", s.secureCookies(), true)
}

func providerParam(c *gin.Context) (models.Provider, bool) {
	p := models.Provider(c.Param("provider"))
	return p, p.Valid()
}

func (s *server) oauthStart(c *gin.Context) {
	provider, ok := providerParam(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	tenant := c.Query("client_id")
	if s.Sessions != nil {
		session, err := s.Sessions.SessionFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if tenant == "" {
			tenant = session.TenantID()
		}
		if tenant != session.TenantID() {
			c.JSON(http.StatusForbidden, gin.H{"error": "client_id does not match session"})
			return
		}
	}
	if tenant == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id is required"})
		return
	}

	st := oauthState{State: uuid.NewString(), Provider: provider, TenantID: tenant}
	consent, err := s.OAuth.AuthCodeURL(provider, st.State)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	s.setStateCookie(c, st.encode(), stateCookieTTL)
	c.Redirect(http.StatusFound, consent)
}

func (s *server) oauthCallback(c *gin.Context) {
	provider, ok := providerParam(c)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	raw, err := c.Cookie(stateCookie)
	s.setStateCookie(c, "", -1)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing oauth state"})
		return
	}
	st, err := decodeOAuthState(raw)
	if err != nil || st.Provider != provider ||
		subtle.ConstantTimeCompare([]byte(st.State), []byte(c.Query("state"))) != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid oauth state"})
		return
	}

	if reason := c.Query("error"); reason != "" {
		s.finishConnect(c, nil, errors.New(reason))
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}

	acc, err := s.Connector.Connect(c.Request.Context(), provider, st.TenantID, code)
	s.finishConnect(c, acc, err)
}

func (s *server) finishConnect(c *gin.Context, acc *models.Account, err error) {
	if err != nil {
		_ = c.Error(err)
	}
	if s.AppRedirect == "" {
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, newAccountView(acc))
		return
	}

	target, perr := url.Parse(s.AppRedirect)
	if perr != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid app redirect"})
		return
	}
	q := target.Query()
	if err != nil {
		q.Set("status", "error")
		q.Set("reason", err.Error())
	} else {
		q.Set("status", "connected")
		q.Set("account_id", acc.ID)
		q.Set("provider", string(acc.Provider))
	}
	target.RawQuery = q.Encode()
	c.Redirect(http.StatusFound, target.String())
}
