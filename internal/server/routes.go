package server

import (
	"github.com/calyx-ai/switchboard/internal/server/middleware"
	v1 "github.com/calyx-ai/switchboard/internal/server/v1"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func (s *Server) SetupRoutes() {
	// 1. Global Middleware
	s.router.Use(middleware.CORS())
	s.router.Use(middleware.Identity())
	s.router.Use(middleware.ErrorHandler(s.logger))
	s.router.Use(otelgin.Middleware("switchboard"))

	rateLimiter := middleware.NewRateLimiter(
		s.config.RateLimit.RequestsPerSecond,
		s.config.RateLimit.Burst,
		s.logger,
	)

	// 2. Public surface: health and metrics
	healthHandler := v1.NewHealthHandler(s.manager)
	s.router.GET("/health", healthHandler.Health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	// 3. API V1 Group
	api := s.router.Group("/v1")
	api.Use(rateLimiter.Middleware())
	api.Use(middleware.Auth(s.config.Server.APIKeys))
	{
		chatHandler := v1.NewChatHandler(s.service)
		api.POST("/chat/completions", chatHandler.CreateCompletion)
	}

	// 4. Admin Group
	admin := s.router.Group("/admin")
	admin.Use(middleware.Auth(s.config.Server.APIKeys))
	{
		adminHandler := v1.NewAdminHandler(s.manager, s.analytics)
		admin.GET("/providers", adminHandler.ListProviders)
		admin.POST("/providers", adminHandler.RegisterProvider)
		admin.DELETE("/providers/:name", adminHandler.DeregisterProvider)
		admin.POST("/providers/:name/toggle", adminHandler.ToggleProvider)
		admin.GET("/routing", adminHandler.GetRouting)
		admin.PUT("/routing", adminHandler.SetRouting)
		admin.GET("/pools", adminHandler.ListPools)
		admin.GET("/pools/:name", adminHandler.GetPool)
		admin.GET("/pools/:name/events", adminHandler.GetPoolEvents)

		analyticsHandler := v1.NewAnalyticsHandler(s.analytics)
		admin.GET("/analytics/usage", analyticsHandler.GetUsage)
		admin.GET("/analytics/providers", analyticsHandler.GetProviderBreakdown)

		requestHandler := v1.NewRequestHandler(s.repo)
		admin.GET("/requests", requestHandler.ListRecent)
		admin.GET("/requests/:id", requestHandler.GetRequest)
	}
}
