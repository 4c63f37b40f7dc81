package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"wa-session-server/internal/diagnostics"
	"wa-session-server/internal/handler"
	"wa-session-server/internal/hub"
	"wa-session-server/internal/middleware"
	"wa-session-server/internal/orchestrator"
)

type Deps struct {
	Sessions *orchestrator.Service
	Hub      *hub.Hub
	Auth     middleware.Authenticator
	// AdminUserIDs may use the admin routes; empty allows any caller.
	AdminUserIDs       []string
	RateLimitPerMinute int
	Sampler            *diagnostics.Sampler
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	requireAuth := middleware.RequireAuth(deps.Auth)

	sessionHandler := &handler.SessionHandler{Sessions: deps.Sessions}
	chatHandler := &handler.ChatHandler{Sessions: deps.Sessions}
	adminHandler := &handler.AdminHandler{Sessions: deps.Sessions, Sampler: deps.Sampler}
	wsHandler := &handler.WebSocketHandler{Hub: deps.Hub, Sessions: deps.Sessions}

	protected := r.Group("/")
	protected.Use(requireAuth)
	protected.GET("/status", sessionHandler.Status)
	protected.POST("/disconnect", sessionHandler.Disconnect)
	protected.GET("/logs", sessionHandler.Logs)
	protected.GET("/chats", chatHandler.Chats)
	protected.GET("/messages/:chatId", chatHandler.Messages)
	protected.GET("/chat-by-phone", chatHandler.ChatByPhone)

	// connect and send reach the messaging network; limit them per user
	limited := protected.Group("/")
	if deps.RateLimitPerMinute > 0 {
		limited.Use(middleware.RateLimitMiddleware(middleware.NewRateLimiter(deps.RateLimitPerMinute, time.Minute)))
	}
	limited.POST("/connect", sessionHandler.Connect)
	limited.POST("/send", chatHandler.Send)

	admin := protected.Group("/")
	admin.Use(middleware.RequireAdmin(deps.AdminUserIDs))
	admin.GET("/admin/sessions", adminHandler.ActiveSessions)
	admin.GET("/diagnostics", adminHandler.Diagnostics)

	r.GET("/ws", middleware.RequireSocketAuth(deps.Auth), wsHandler.Serve)

	return r
}
