package main

import (
	"context"
	"embed"
	"io/fs"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//go:embed static
var staticFiles embed.FS

// Server bundles what the HTTP handlers serve.
type Server struct {
	Config      *Config
	Controller  *MapController
	Sources     *SourceSet
	Socket      *SocketSurface
	Auth        *AdminAuth
	RateLimiter *RateLimiter
	Health      *HealthMonitor
	Shutdown    *ShutdownManager

	// BaseContext outlives requests; background fetches started by the
	// admin API run under it.
	BaseContext context.Context
}

// CORSMiddleware allows the configured origins.
func CORSMiddleware(security SecurityConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !security.EnableCORS {
			c.Next()
			return
		}

		origin := c.Request.Header.Get("Origin")
		for _, allowed := range security.CORSOrigins {
			if allowed == "*" || allowed == origin {
				c.Header("Access-Control-Allow-Origin", origin)
				break
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// NewRouter wires the middleware chain and every route.
func NewRouter(s *Server) (*gin.Engine, error) {
	if GetEnvString("GIN_MODE", gin.ReleaseMode) == gin.ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	if err := router.SetTrustedProxies(s.Config.Security.TrustedProxies); err != nil {
		return nil, err
	}

	router.Use(LoggingMiddleware())
	router.Use(ErrorHandler())
	if s.Config.Observability.EnableMetrics {
		router.Use(MetricsMiddleware())
	}
	router.Use(CORSMiddleware(s.Config.Security))
	if s.Config.Security.RateLimitEnabled && s.RateLimiter != nil {
		router.Use(RateLimitMiddleware(s.RateLimiter))
	}

	router.GET("/healthz", HealthCheckHandler(s.Shutdown))
	router.GET("/readyz", ReadinessCheckHandler(s.Shutdown, s.Health, s.Controller))
	router.GET("/livez", LivenessCheckHandler())
	if s.Config.Monitoring.EnablePrometheus {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	static, err := fs.Sub(staticFiles, "static")
	if err != nil {
		return nil, err
	}
	router.GET("/", func(c *gin.Context) {
		c.FileFromFS("/", http.FS(static))
	})
	router.StaticFS("/static", http.FS(static))
	if s.Config.Server.ImagesDir != "" {
		router.Static("/images", s.Config.Server.ImagesDir)
	}

	router.GET("/depiction/:file", s.getCategory)

	api := router.Group("/api/map")
	{
		api.GET("/status", s.getStatus)
		api.GET("/filters", s.getFilters)
		api.GET("/layer", s.getLayer)
	}

	admin := router.Group("/api/admin", AdminAuthMiddleware(s.Auth))
	{
		admin.POST("/reload", s.reloadDataset)
		admin.PUT("/filters", s.setFilters)
		admin.GET("/sources", s.getSources)
		admin.POST("/sources/update", s.updateSources)
	}

	if s.Socket != nil {
		router.GET("/socket.io/*any", gin.WrapH(s.Socket.server))
		router.POST("/socket.io/*any", gin.WrapH(s.Socket.server))
	}

	return router, nil
}
