package middlewares

import (
	"net/http"

	"bitbucket.org/mmdatafocus/records_backend/appctx"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// SessionMiddleware rejects requests that AuthMiddleware did not attach an actor to.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := CtxActor(c.Request.Context()); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// CorrelationMiddleware propagates x-correlation-id, minting one when the caller sent none.
func CorrelationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Header("x-correlation-id", cid)
		c.Request = c.Request.WithContext(appctx.SetCorrelationId(c.Request.Context(), cid))
		c.Next()
	}
}
