package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"wa-session-server/internal/diagnostics"
	"wa-session-server/internal/orchestrator"
)

type AdminHandler struct {
	Sessions *orchestrator.Service
	Sampler  *diagnostics.Sampler
}

func (h *AdminHandler) ActiveSessions(c *gin.Context) {
	sessions, err := h.Sessions.ActiveSessions(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (h *AdminHandler) Diagnostics(c *gin.Context) {
	resp := gin.H{"orchestrator": h.Sessions.Diagnostics()}
	if h.Sampler != nil {
		resp["process"] = h.Sampler.Sample(c.Request.Context())
	}
	c.JSON(http.StatusOK, resp)
}
