package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avei/concord/internal/adapters/signal"
	"github.com/avei/concord/internal/config"
	"github.com/avei/concord/internal/domain"
)

// IdentityMiddleware stands in for the excluded auth subsystem: it mints or
// continues a per-client identity token. Everything downstream only sees the
// opaque handle.
func IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("cid")
		if _, err := domain.NewIdentity(token); err != nil {
			token = uuid.NewString()
			c.SetCookie("cid", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("identity", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, ctl *signal.Controller) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("ConcordSessions", store))
	r.Use(IdentityMiddleware())

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").
			Str("identity", c.GetString("identity")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})

	return r
}
