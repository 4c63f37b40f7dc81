package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"wa-session-server/internal/orchestrator"
)

const maxMessageLen = 4096

type ChatHandler struct {
	Sessions *orchestrator.Service
}

type sendBody struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

func (h *ChatHandler) Chats(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	chats, err := h.Sessions.Chats(c.Request.Context(), userID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

func (h *ChatHandler) Messages(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	chatID := c.Param("chatId")
	if chatID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid chat id"})
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	msgs, err := h.Sessions.Messages(c.Request.Context(), userID, chatID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *ChatHandler) Send(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	var body sendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}
	body.ChatID = strings.TrimSpace(body.ChatID)
	if body.ChatID == "" || strings.TrimSpace(body.Message) == "" || len(body.Message) > maxMessageLen {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chatId and message are required"})
		return
	}
	msg, err := h.Sessions.SendMessage(c.Request.Context(), userID, body.ChatID, body.Message)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

func (h *ChatHandler) ChatByPhone(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	phone := c.Query("phone")
	if phone == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone is required"})
		return
	}
	lookup, err := h.Sessions.ChatByPhone(c.Request.Context(), userID, phone)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, lookup)
}
