package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recoveries_backend/utils"
)

const unauthorizedMessage = "You are not an authorized person!"

// AuthMiddleware accepts "Authorization: Bearer <jwt>" and puts the token's
// email in the request context. Requests without the header pass through so
// SessionMiddleware can try the redis session token.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		const bearer = "Bearer "
		if len(auth) <= len(bearer) || !strings.EqualFold(auth[:len(bearer)], bearer) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": unauthorizedMessage})
			return
		}
		token := strings.TrimSpace(auth[len(bearer):])

		email, err := utils.EmailFromToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": unauthorizedMessage})
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, email)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
