package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/eventstore"
	"github.com/Martian-dev/mailsync/internal/store"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// statusFor maps pipeline errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, sync.ErrInvalidReply), errors.Is(err, sync.ErrNotInbound):
		return http.StatusBadRequest
	case errors.Is(err, sync.ErrMissingThreadContext):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sync.ErrTenantMismatch):
		return http.StatusForbidden
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, eventstore.ErrEventNotFound):
		return http.StatusNotFound
	case errors.Is(err, sync.ErrAccountDisconnected), errors.Is(err, sync.ErrAlreadyProcessed),
		errors.Is(err, eventstore.ErrEventInFlight):
		return http.StatusConflict
	case errors.Is(err, sync.ErrProviderFetchFailed),
		errors.Is(err, auth.ErrTokenRefreshFailed),
		errors.Is(err, auth.ErrMissingRefreshToken):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}
