package handler

import (
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"wa-session-server/internal/middleware"
	"wa-session-server/internal/orchestrator"
	"wa-session-server/internal/store"
)

func requireUser(c *gin.Context) (string, bool) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
	}
	return userID, ok
}

// respondError maps orchestrator and store failures to HTTP responses.
func respondError(c *gin.Context, err error) {
	var de *orchestrator.DriverError
	switch {
	case errors.Is(err, orchestrator.ErrNotConnected):
		c.JSON(http.StatusConflict, gin.H{"error": "Session not connected"})
	case errors.Is(err, orchestrator.ErrInvalidPhone):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid phone number"})
	case errors.Is(err, orchestrator.ErrMissingUser):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
	case errors.As(err, &de):
		log.Printf("handler: %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Messaging driver error"})
	case errors.Is(err, store.ErrStorage):
		log.Printf("handler: %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	default:
		log.Printf("handler: %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal error"})
	}
}
