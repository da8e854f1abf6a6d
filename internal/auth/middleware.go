package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	clientIDContextKey  = "auth_client_id"
	authTokenContextKey = "auth_token"
)

// Middleware validates bearer tokens and stores the authenticated client in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		clientID, err := s.ValidateToken(c.Request.Context(), authToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(clientIDContextKey, clientID)
		c.Set(authTokenContextKey, authToken)
		c.Next()
	}
}

// ClientIDFromContext retrieves the authenticated client id from the gin context.
func ClientIDFromContext(c *gin.Context) (int64, bool) {
	val, ok := c.Get(clientIDContextKey)
	if !ok {
		return 0, false
	}
	clientID, ok := val.(int64)
	return clientID, ok
}

// AuthTokenFromContext retrieves the bearer token captured by the middleware.
func AuthTokenFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(authTokenContextKey)
	if !ok {
		return "", false
	}
	token, ok := val.(string)
	return token, ok
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
