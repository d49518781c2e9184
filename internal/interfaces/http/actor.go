package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	domainwf "github.com/garyjia/stageflow/internal/domain/workflow"
)

// Actor headers are set by the upstream authentication layer
const (
	HeaderActorID          = "X-Actor-ID"
	HeaderActorRoles       = "X-Actor-Roles"
	HeaderActorPermissions = "X-Actor-Permissions"
)

const actorKey = "stageflow.actor"

// requireActor rejects requests without an actor ID and stores the actor on the context
func requireActor() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := actorFromHeaders(c.Request.Header)
		if !actor.IsAuthenticated() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
				Success: false,
				Error:   "missing " + HeaderActorID + " header",
			})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorFromHeaders(h http.Header) domainwf.Actor {
	return domainwf.Actor{
		ID:          strings.TrimSpace(h.Get(HeaderActorID)),
		Roles:       splitList(h.Get(HeaderActorRoles)),
		Permissions: splitList(h.Get(HeaderActorPermissions)),
	}
}

func currentActor(c *gin.Context) domainwf.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(domainwf.Actor); ok {
			return actor
		}
	}
	return domainwf.Actor{}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
