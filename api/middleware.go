package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ChatRelay/tools/security"
)

const ctxUserID = "auth_user_id"

// Auth validates the bearer token and stashes the subject for
// handlers.
func Auth(opts security.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := ""
		if strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
		if token == "" {
			token = c.Query("token")
		}
		userID, err := security.VerifySubject(opts, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
