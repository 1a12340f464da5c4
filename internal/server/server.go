// Package server exposes the webhook, OAuth and API routes over gin.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// PushHandler handles provider notifications and re-drives
type PushHandler interface {
	HandleGmailPush(ctx context.Context, token string, body []byte) (*sync.PushResult, error)
	HandleGraphNotifications(ctx context.Context, body []byte) (*sync.PushResult, error)
	Redrive(ctx context.Context, eventID string) error
}

// AccountService is the account access the API needs
type AccountService interface {
	GetByID(ctx context.Context, id string) (*models.Account, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*models.Account, error)
	Disconnect(ctx context.Context, id string) error
}

// EventService reads events and attaches downstream jobs to them
type EventService interface {
	Get(ctx context.Context, id string) (*models.Event, error)
	LinkJob(ctx context.Context, id, jobID string, metadata map[string]any) error
}

// ReplySender sends outbound replies
type ReplySender interface {
	Send(ctx context.Context, req sync.ReplyRequest) (*sync.ReplyResult, error)
}

// Sweeper runs a watchdog pass
type Sweeper interface {
	Sweep(ctx context.Context) (*sync.SweepReport, error)
}

// AccountConnector completes an OAuth flow
type AccountConnector interface {
	Connect(ctx context.Context, p models.Provider, tenantID, code string) (*models.Account, error)
}

// ConsentURLs builds provider consent redirects
type ConsentURLs interface {
	AuthCodeURL(p models.Provider, state string) (string, error)
}

// SessionVerifier authenticates interactive callers
type SessionVerifier interface {
	SessionFromRequest(r *http.Request) (*auth.Session, error)
}

// Deps are the collaborators behind the routes
type Deps struct {
	Push      PushHandler
	Accounts  AccountService
	Events    EventService
	Sender    ReplySender
	Watchdog  Sweeper
	Connector AccountConnector
	OAuth     ConsentURLs
	Sessions  SessionVerifier // nil disables session auth

	InternalToken string
	PublicBaseURL string
	AppRedirect   string
	Logger        *logrus.Logger
}

type server struct {
	Deps
	log *logrus.Logger
}

const (
	ctxInternal = "internal"
	ctxTenant   = "tenant_id"
)

// New builds the gin engine
func New(d Deps) *gin.Engine {
	if d.Logger == nil {
		d.Logger = logrus.StandardLogger()
	}
	s := &server{Deps: d, log: d.Logger}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/webhooks/gmail", s.gmailWebhook)
	r.GET("/webhooks/microsoft", s.graphWebhook)
	r.POST("/webhooks/microsoft", s.graphWebhook)

	r.GET("/oauth/:provider/start", s.oauthStart)
	r.GET("/oauth/:provider/callback", s.oauthCallback)

	api := r.Group("/api")
	api.Use(s.callerAuth())
	api.POST("/outbound/send", s.sendReply)
	api.GET("/accounts", s.listAccounts)
	api.POST("/accounts/:id/disconnect", s.disconnectAccount)

	internal := r.Group("/internal")
	internal.Use(s.internalOnly())
	internal.POST("/watchdog/run", s.runWatchdog)
	internal.POST("/events/:id/redrive", s.redriveEvent)
	internal.POST("/events/:id/link", s.linkEvent)

	return r
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := log.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.FullPath(),
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithError(c.Errors.Last())
		}
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("request failed")
		case c.Writer.Status() >= 400:
			entry.Warn("request rejected")
		default:
			entry.Debug("request")
		}
	}
}

func (s *server) isInternal(c *gin.Context) bool {
	got := c.GetHeader("X-Internal-Token")
	return s.InternalToken != "" && got != "" &&
		subtle.ConstantTimeCompare([]byte(s.InternalToken), []byte(got)) == 1
}

func (s *server) internalOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.isInternal(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid internal token"})
			return
		}
		c.Set(ctxInternal, true)
		c.Next()
	}
}

// callerAuth accepts the internal token or, when configured, a session JWT
func (s *server) callerAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.isInternal(c) {
			c.Set(ctxInternal, true)
			c.Next()
			return
		}
		if s.Sessions != nil && strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
			session, err := s.Sessions.SessionFromRequest(c.Request)
			if err == nil {
				c.Set(ctxTenant, session.TenantID())
				c.Next()
				return
			}
			s.log.WithError(err).Debug("session rejected")
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// tenantFor resolves the tenant a request acts for. Internal callers name it,
// session callers are pinned to their own.
func tenantFor(c *gin.Context, requested string) (string, bool) {
	if c.GetBool(ctxInternal) {
		return requested, requested != ""
	}
	tenant := c.GetString(ctxTenant)
	if tenant == "" || (requested != "" && requested != tenant) {
		return "", false
	}
	return tenant, true
}
