package middleware

import (
	"github.com/gin-gonic/gin"

	"consecutive/internal/core/apperror"
	appctx "consecutive/internal/core/context"
)

// RequireAdmin lets only system administrators through. Sequence-level
// permissions are enforced by the engine, not here.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := appctx.GetActor(c.Request.Context())
		if actor == nil {
			_ = c.Error(apperror.NewUnauthorized("authentication required"))
			c.Abort()
			return
		}
		if !actor.IsAdmin {
			_ = c.Error(apperror.NewForbidden("administrator role required"))
			c.Abort()
			return
		}
		c.Next()
	}
}
