package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/utils"
)

// SessionMiddleware resolves the "token" header against the redis session
// store ("Token:<token>" -> email). A bearer login already in the context
// wins.
func SessionMiddleware(store *config.RedisStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		if _, ok := utils.GetUsernameFromContext(c.Request.Context()); ok {
			c.Next()
			return
		}

		username, exists, err := store.GetValue(c.Request.Context(), "Token:"+token)
		if err != nil {
			config.LogError(config.GetLogger(), "middlewares", "SessionMiddleware", "reading session", nil, err)
		}
		if err != nil || !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": unauthorizedMessage})
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetUsernameInContext(ctx, username)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
