package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

const maxNotificationBytes = 1 << 20

func readBody(c *gin.Context) ([]byte, error) {
	return io.ReadAll(io.LimitReader(c.Request.Body, maxNotificationBytes))
}

func (s *server) gmailWebhook(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.GetHeader("X-Goog-Channel-Token")
	}

	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	res, err := s.Push.HandleGmailPush(c.Request.Context(), token, body)
	if err != nil {
		// Pub/Sub redelivers on 5xx
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "temporary failure"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *server) graphWebhook(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}
	if c.Request.Method != http.MethodPost {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validationToken is required"})
		return
	}

	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	res, err := s.Push.HandleGraphNotifications(c.Request.Context(), body)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "temporary failure"})
		return
	}
	c.JSON(http.StatusAccepted, res)
}
