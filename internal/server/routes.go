package server

import (
	"net/http"
	"time"

	"github.com/danmuck/trilink/internal/observability"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router builds the operator HTTP surface.
func (s *Service) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(s.log))
	router.Use(observability.RequestMetricsMiddleware(s.cfg.Node))
	router.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = router.SetTrustedProxies([]string{"127.0.0.1", "::1"})
	s.RegisterRoutes(router)
	return router
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}

func (s *Service) RegisterRoutes(router gin.IRoutes) {
	observability.RegisterMetrics()

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"node":     s.cfg.Node,
			"uptime":   time.Since(s.startedAt).Round(time.Second).String(),
			"sessions": s.dir.Len(),
			"links":    s.Links(),
		})
	})

	router.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.Sessions())
	})

	router.GET("/sessions/:id", func(c *gin.Context) {
		id := c.Param("id")
		for _, info := range s.Sessions() {
			if info.ID == id {
				c.JSON(http.StatusOK, info)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session", "id": id})
	})

	router.DELETE("/sessions/:id", func(c *gin.Context) {
		id := c.Param("id")
		if err := s.Kick(id); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "id": id})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "closing", "id": id})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
