package server

import (
	"net/http"

	"github.com/calyx-ai/switchboard/internal/analytics"
	"github.com/calyx-ai/switchboard/internal/config"
	"github.com/calyx-ai/switchboard/internal/gateway"
	"github.com/calyx-ai/switchboard/internal/server/middleware"
	"github.com/calyx-ai/switchboard/internal/server/validator"
	"github.com/calyx-ai/switchboard/internal/store"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type Server struct {
	router    *gin.Engine
	config    *config.Config
	logger    *zap.Logger
	service   gateway.Service
	manager   *gateway.Manager
	analytics analytics.Service
	repo      store.Repository
	registry  *prometheus.Registry
}

func New(cfg *config.Config, logger *zap.Logger, service gateway.Service, manager *gateway.Manager, analyticsSvc analytics.Service, repo store.Repository, registry *prometheus.Registry) *Server {

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	validator.InitValidator()

	engine := gin.New()

	engine.Use(ginzap.RecoveryWithZap(logger, true))
	engine.Use(middleware.Logger(logger))

	s := &Server{
		router:    engine,
		config:    cfg,
		logger:    logger,
		service:   service,
		manager:   manager,
		analytics: analyticsSvc,
		repo:      repo,
		registry:  registry,
	}

	s.SetupRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}
