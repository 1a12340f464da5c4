package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/models"
	"github.com/Martian-dev/mailsync/internal/sync"
)

type accountView struct {
	ID                    string               `json:"id"`
	TenantID              string               `json:"tenant_id"`
	Provider              models.Provider      `json:"provider"`
	EmailAddress          string               `json:"email_address"`
	Status                models.AccountStatus `json:"status"`
	HealthStatus          models.HealthStatus  `json:"health_status"`
	HasRefreshToken       bool                 `json:"has_refresh_token"`
	LastError             string               `json:"last_error,omitempty"`
	LastErrorAt           *time.Time           `json:"last_error_at,omitempty"`
	LastPushAt            *time.Time           `json:"last_push_at,omitempty"`
	LastSyncedAt          *time.Time           `json:"last_synced_at,omitempty"`
	SubscriptionExpiresAt *time.Time           `json:"subscription_expires_at,omitempty"`
	CreatedAt             time.Time            `json:"created_at"`
}

func newAccountView(a *models.Account) accountView {
	return accountView{
		ID:                    a.ID,
		TenantID:              a.TenantID,
		Provider:              a.Provider,
		EmailAddress:          a.EmailAddress,
		Status:                a.Status,
		HealthStatus:          a.HealthStatus,
		HasRefreshToken:       a.HasRefreshToken(),
		LastError:             a.LastError,
		LastErrorAt:           a.LastErrorAt,
		LastPushAt:            a.LastPushAt,
		LastSyncedAt:          a.LastSyncedAt,
		SubscriptionExpiresAt: a.SubscriptionExpiresAt,
		CreatedAt:             a.CreatedAt,
	}
}

func (s *server) sendReply(c *gin.Context) {
	var req sync.ReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	tenant, ok := tenantFor(c, req.ClientID)
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "client_id does not match caller"})
		return
	}
	req.ClientID = tenant

	res, err := s.Sender.Send(c.Request.Context(), req)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) listAccounts(c *gin.Context) {
	tenant, ok := tenantFor(c, c.Query("client_id"))
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "client_id does not match caller"})
		return
	}

	accounts, err := s.Accounts.ListByTenant(c.Request.Context(), tenant)
	if err != nil {
		abortWithError(c, err)
		return
	}

	views := make([]accountView, 0, len(accounts))
	for _, a := range accounts {
		views = append(views, newAccountView(a))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

func (s *server) disconnectAccount(c *gin.Context) {
	acc, err := s.Accounts.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	if _, ok := tenantFor(c, acc.TenantID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	if err := s.Accounts.Disconnect(c.Request.Context(), acc.ID); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": acc.ID, "status": models.AccountDisconnected})
}

func (s *server) runWatchdog(c *gin.Context) {
	report, err := s.Watchdog.Sweep(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *server) redriveEvent(c *gin.Context) {
	if err := s.Push.Redrive(c.Request.Context(), c.Param("id")); err != nil {
		abortWithError(c, err)
		return
	}

	// Another worker may have taken the event, so report what the ledger says
	ev, err := s.Events.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": ev.ID, "status": ev.Status, "attempts": ev.Attempts})
}

type linkRequest struct {
	JobID    string         `json:"job_id"`
	Metadata map[string]any `json:"metadata"`
}

func (s *server) linkEvent(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.JobID == "" && len(req.Metadata) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job_id or metadata is required"})
		return
	}

	if err := s.Events.LinkJob(c.Request.Context(), c.Param("id"), req.JobID, req.Metadata); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "job_id": req.JobID})
}
