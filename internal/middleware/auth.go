package middleware

import (
	"net/http"
	"strings"

	"github.com/basemirror/basemirror-api/pkg/jwt"
	"github.com/basemirror/basemirror-api/pkg/logger"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const readTokenHeader = "x-mirror-api-auth-token"

// TokenAuthMiddleware validates the static read API token. Multiple valid
// tokens allow zero-downtime rotation.
func TokenAuthMiddleware(validTokens ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(readTokenHeader)

		if token == "" {
			logger.Warn("Missing authentication token",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing authentication token"})
			c.Abort()
			return
		}

		valid := false
		for _, validToken := range validTokens {
			if validToken != "" && jwt.TimingSafeCompare(token, validToken) {
				valid = true
				break
			}
		}

		if !valid {
			logger.Warn("Invalid authentication token",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Next()
	}
}

// OpsAuthMiddleware validates the operator JWT on internal endpoints
func OpsAuthMiddleware(tokenManager *jwt.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing bearer token"})
			c.Abort()
			return
		}

		claims, err := tokenManager.ValidateToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			logger.LogSecurityEvent("ops_token_rejected",
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid bearer token"})
			c.Abort()
			return
		}

		c.Set("operator", claims.Operator)

		c.Next()
	}
}
