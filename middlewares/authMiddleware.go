package middlewares

import (
	"context"
	"net/http"
	"strings"

	"bitbucket.org/mmdatafocus/records_backend/guard"
	"bitbucket.org/mmdatafocus/records_backend/utils"
	"github.com/gin-gonic/gin"
)

type authString string

const actorKey = authString("actor")

// AuthMiddleware turns a Bearer token signed with secret into a guard.Actor on the request
// context. Requests without a token pass through; SessionMiddleware decides if one is needed.
func AuthMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}

		bearer := "Bearer "
		if !strings.HasPrefix(auth, bearer) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claim, err := utils.JwtValidate(secret, strings.TrimSpace(auth[len(bearer):]))
		if err != nil || claim.ActorId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Request = c.Request.WithContext(WithActor(c.Request.Context(), ActorFromClaim(claim)))
		c.Next()
	}
}

func ActorFromClaim(claim *utils.JwtCustomClaim) guard.Actor {
	return guard.Actor{
		ActorId:       claim.ActorId,
		ActorName:     claim.ActorName,
		TenantId:      claim.TenantId,
		Role:          guard.Role(strings.ToUpper(claim.Role)),
		IsSuperTenant: claim.SuperTenant,
	}
}

func WithActor(ctx context.Context, actor guard.Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

func CtxActor(ctx context.Context) (guard.Actor, bool) {
	actor, ok := ctx.Value(actorKey).(guard.Actor)
	return actor, ok
}
