package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"wa-session-server/internal/auth"
)

const userIDContextKey = "userID"

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

// Authenticator resolves bearer tokens to user ids.
type Authenticator struct {
	Tokens   auth.TokenConfig
	AllowRaw bool
}

func bearerToken(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return parts[1]
	}
	return ""
}

// RequireAuth accepts the token from the Authorization header only.
func RequireAuth(a Authenticator) gin.HandlerFunc {
	return authenticate(a, false)
}

// RequireSocketAuth also accepts the token query parameter, for browser
// websockets that cannot set headers. Use it on the upgrade route only.
func RequireSocketAuth(a Authenticator) gin.HandlerFunc {
	return authenticate(a, true)
}

func authenticate(a Authenticator, allowQuery bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" && allowQuery {
			token = c.Query("token")
		}

		userID, err := auth.ResolveUserID(token, a.Tokens, a.AllowRaw)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Set(userIDContextKey, userID)
		c.Next()
	}
}

// RequireAdmin restricts a route to the given user ids. An empty list lets
// every authenticated user through.
func RequireAdmin(adminIDs []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		allowed[id] = struct{}{}
	}
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}
		userID, _ := UserIDFromContext(c)
		if _, ok := allowed[userID]; !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}
