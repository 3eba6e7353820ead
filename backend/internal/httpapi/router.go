package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/httpapi/handlers"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/httpapi/middleware"
	"github.com/Kevin-Kurka/rabbithole-sub019/backend/internal/metrics"
)

type RouterDeps struct {
	Graphs *handlers.GraphHandler
	// WebSocket serves GET /collab/ws behind the auth middleware.
	WebSocket gin.HandlerFunc
	Auth      middleware.AuthConfig
	// AllowOrigins lists CORS origins; empty or "*" admits any origin.
	AllowOrigins []string
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery(), metrics.GinMiddleware())
	r.Use(cors.New(corsConfig(d.AllowOrigins)))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	collab := r.Group("/collab")
	collab.Use(middleware.Auth(d.Auth))
	if d.WebSocket != nil {
		collab.GET("/ws", d.WebSocket)
	}
	if d.Graphs != nil {
		d.Graphs.Register(collab)
	}
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// also admits Origin: null from file:// pages
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
