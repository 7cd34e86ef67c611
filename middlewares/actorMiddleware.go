package middlewares

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/recoveries_backend/appctx"
	"github.com/mmdatafocus/recoveries_backend/config"
	"github.com/mmdatafocus/recoveries_backend/models"
	"github.com/mmdatafocus/recoveries_backend/utils"
)

// ActorMiddleware requires an authenticated login and resolves it to an
// actor through identity. Unknown or inactive logins get 401.
func ActorMiddleware(identity models.IdentityProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		email, ok := utils.GetUsernameFromContext(ctx)
		if !ok || email == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": unauthorizedMessage})
			return
		}

		actor, err := identity.GetByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, utils.ErrorUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": unauthorizedMessage})
				return
			}
			config.LogError(config.GetLogger(), "middlewares", "ActorMiddleware", "resolving actor", email, err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}

		c.Request = c.Request.WithContext(appctx.Set(ctx, appctx.ContextKeyActor, *actor))
		c.Next()
	}
}

// ActorFromContext returns the actor stored by ActorMiddleware.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := appctx.Get(ctx, appctx.ContextKeyActor).(models.Actor)
	return actor, ok
}
