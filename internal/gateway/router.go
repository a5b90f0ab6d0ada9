package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/inkfold/server/internal/collab"
	"github.com/inkfold/server/internal/config"
)

func SetupRouter(ctx context.Context, cfg *config.Config, gw *Gateway, reg *collab.Registry) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, reg.Rooms())
	})
	api.GET("/ws", func(c *gin.Context) {
		gw.HandleWS(ctx, c)
	})

	log.Info().Str("module", "gateway.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
