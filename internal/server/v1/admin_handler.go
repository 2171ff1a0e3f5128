package v1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/calyx-ai/switchboard/internal/analytics"
	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/calyx-ai/switchboard/internal/gateway"
	"github.com/calyx-ai/switchboard/internal/server/validator"
	"github.com/gin-gonic/gin"
)

// AdminHandler exposes the provider catalog, routing policy and pool
// inspection endpoints.
type AdminHandler struct {
	manager   *gateway.Manager
	analytics analytics.Service
}

func NewAdminHandler(manager *gateway.Manager, analytics analytics.Service) *AdminHandler {
	return &AdminHandler{
		manager:   manager,
		analytics: analytics,
	}
}

func (h *AdminHandler) ListProviders(c *gin.Context) {
	descs := h.manager.Providers()
	// API keys never leave the process
	for i := range descs {
		descs[i].APIKey = ""
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   descs,
	})
}

func (h *AdminHandler) RegisterProvider(c *gin.Context) {
	var desc domain.ProviderDescriptor
	if err := c.ShouldBindJSON(&desc); err != nil {
		_ = c.Error(domain.ValidationError(validator.ParseValidationError(err)))
		return
	}

	if err := h.manager.Register(c.Request.Context(), desc); err != nil {
		_ = c.Error(domain.BadRequestError(err.Error()))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"registered": desc.Name})
}

func (h *AdminHandler) DeregisterProvider(c *gin.Context) {
	name := c.Param("name")
	if err := h.manager.Deregister(name); err != nil {
		_ = c.Error(domain.NotFoundError("provider " + name + " is not registered"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"deregistered": name})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *AdminHandler) ToggleProvider(c *gin.Context) {
	name := c.Param("name")

	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(domain.BadRequestError("body must carry an 'enabled' flag"))
		return
	}

	if err := h.manager.ToggleProvider(name, req.Enabled); err != nil {
		_ = c.Error(domain.NotFoundError("provider " + name + " is not registered"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider": name, "enabled": req.Enabled})
}

func (h *AdminHandler) GetRouting(c *gin.Context) {
	c.JSON(http.StatusOK, h.manager.Routing())
}

func (h *AdminHandler) SetRouting(c *gin.Context) {
	var cfg domain.RoutingConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		_ = c.Error(domain.ValidationError(validator.ParseValidationError(err)))
		return
	}

	if err := h.manager.SetRouting(cfg); err != nil {
		if errors.Is(err, gateway.ErrProviderNotFound) {
			_ = c.Error(domain.BadRequestError(err.Error()))
			return
		}
		_ = c.Error(domain.InternalError("failed to update routing", err))
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *AdminHandler) ListPools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   h.manager.PoolStatuses(),
	})
}

func (h *AdminHandler) GetPool(c *gin.Context) {
	name := c.Param("name")
	status, err := h.manager.PoolStatus(name)
	if err != nil {
		if errors.Is(err, gateway.ErrProviderNotFound) {
			_ = c.Error(domain.NotFoundError("provider " + name + " is not registered"))
			return
		}
		_ = c.Error(domain.BadRequestError(err.Error()))
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *AdminHandler) GetPoolEvents(c *gin.Context) {
	name := c.Param("name")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	events, err := h.analytics.GetPoolEvents(c.Request.Context(), name, limit)
	if err != nil {
		_ = c.Error(domain.InternalError("failed to fetch pool events", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   events,
	})
}
