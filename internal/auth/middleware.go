package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Gin context keys for the authenticated user.
const (
	ContextKeyUserID = "user_id"
	ContextKeyEmail  = "user_email"
)

// Middleware rejects requests without a valid Bearer token and stores the
// user identity in the gin context.
func Middleware(jwtManager *JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"kind":    "VALIDATION_ERROR",
				"message": "missing authorization header",
			})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"kind":    "VALIDATION_ERROR",
				"message": "invalid authorization header format",
			})
			return
		}

		claims, err := jwtManager.ValidateAccessToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"kind":    "VALIDATION_ERROR",
				"message": err.Error(),
			})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyEmail, claims.Email)
		c.Next()
	}
}

// UserID returns the authenticated user id from the gin context, empty when
// auth is disabled.
func UserID(c *gin.Context) string {
	if v, ok := c.Get(ContextKeyUserID); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}
