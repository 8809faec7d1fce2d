// Package http is the REST and websocket surface of the classroom service.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveclass/internal/app/orch"
	"github.com/dkeye/liveclass/internal/config"
	"github.com/dkeye/liveclass/internal/core"
	"github.com/dkeye/liveclass/internal/domain"
)

// Events opens a participant's notification stream.
type Events interface {
	Subscribe(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (core.Subscription, error)
}

// History answers attendance queries.
type History interface {
	ListParticipationsByUser(ctx context.Context, user domain.UserID) ([]*domain.Participant, error)
}

type Services struct {
	Orch    *orch.Orchestrator
	Events  Events
	History History
}

func SetupRouter(ctx context.Context, cfg *config.Config, svc Services) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Server.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Server.Secret))
	r.Use(sessions.Sessions("LiveclassSessions", store))

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{orch: svc.Orch, history: svc.History}
	ws := newEventStream(ctx, svc.Events, cfg.Server)

	api := r.Group("/api")
	api.POST("/session", h.login)

	var limiter *RateLimiter
	if cfg.Server.RateLimit > 0 {
		limiter = NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateWindow, nil)
		go pruneLoop(ctx, limiter, cfg.Server.RateWindow)
	}
	authed := api.Group("", IdentityMiddleware(cfg.Server.TrustUserHeader), RateLimitMiddleware(limiter))
	authed.DELETE("/session", h.logout)
	authed.GET("/users/me/participations", h.participations)

	authed.POST("/rooms", h.createRoom)
	authed.GET("/rooms", h.listRooms)
	authed.GET("/rooms/:id", h.getRoom)
	authed.POST("/rooms/:id/start", h.startRoom)
	authed.POST("/rooms/:id/end", h.endRoom)
	authed.PUT("/rooms/:id/recording", h.setRecording)

	authed.POST("/rooms/:id/join", h.join)
	authed.POST("/rooms/:id/leave", h.leave)
	authed.GET("/rooms/:id/participants", h.listParticipants)
	authed.DELETE("/rooms/:id/participants/:uid", h.kick)
	authed.PATCH("/rooms/:id/participants/me/media", h.updateMedia)

	authed.POST("/rooms/:id/transports", h.createTransport)
	authed.POST("/rooms/:id/transports/:tid/connect", h.connectTransport)
	authed.POST("/rooms/:id/transports/:tid/produce", h.produce)
	authed.POST("/rooms/:id/transports/:tid/consume", h.consume)
	authed.POST("/rooms/:id/consumers/:cid/resume", h.resumeConsumer)
	authed.DELETE("/rooms/:id/producers/:pid", h.closeProducer)

	authed.GET("/rooms/:id/events", ws.serve)

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Server.Mode).Msg("router setup")
	return r
}

func pruneLoop(ctx context.Context, rl *RateLimiter, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.Prune()
		}
	}
}
