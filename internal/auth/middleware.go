package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentpay/internal/agents"
	"github.com/mbd888/agentpay/internal/apperr"
	"github.com/mbd888/agentpay/internal/logging"
)

const (
	// ContextKeyAgentID is the key for the authenticated agent id in gin context
	ContextKeyAgentID = "authAgentID"
	// ContextKeyAgentLevel is the key for the authenticated agent level
	ContextKeyAgentLevel = "authAgentLevel"
)

// Middleware rejects requests without a valid Bearer token and stores the
// authenticated agent's id and level in the context. WebSocket upgrades may
// pass the token as ?token= instead, since browsers cannot set headers there.
// Client-supplied identity headers are never consulted.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" && isWebSocketUpgrade(c.Request) {
			token = c.Query("token")
		}
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}

		a, err := s.Authenticate(c.Request.Context(), token)
		if err != nil {
			code, status := apperr.Code(err)
			msg := err.Error()
			if status == http.StatusInternalServerError {
				logging.L(c.Request.Context()).Error("authentication failed", "error", err)
				msg = "Internal server error"
			}
			c.AbortWithStatusJSON(status, gin.H{"error": code, "message": msg})
			return
		}

		c.Set(ContextKeyAgentID, a.ID)
		c.Set(ContextKeyAgentLevel, int(a.Level))
		c.Next()
	}
}

// RequireRoot rejects requests not made by the main-site agent. It must run
// after Middleware.
func RequireRoot() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyAgentID) != agents.RootID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Main site access required.",
			})
			return
		}
		c.Next()
	}
}

// AgentID returns the authenticated agent id, or "".
func AgentID(c *gin.Context) string {
	return c.GetString(ContextKeyAgentID)
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}
