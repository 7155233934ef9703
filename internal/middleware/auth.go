package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"nodebridge/internal/auth"
)

const subjectContextKey = "adminSubject"

func SubjectFromContext(c *gin.Context) (string, bool) {
	subject, ok := c.Get(subjectContextKey)
	if !ok {
		return "", false
	}
	value, ok := subject.(string)
	return value, ok && value != ""
}

// RequireAuth guards the admin API with a Bearer JWT issued by
// POST /v1/auth.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		claims, err := auth.VerifyToken(parts[1], cfg)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Set(subjectContextKey, claims.Subject)
		c.Next()
	}
}
