package v1

import (
	"net/http"

	"github.com/calyx-ai/switchboard/internal/gateway"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	manager *gateway.Manager
}

func NewHealthHandler(manager *gateway.Manager) *HealthHandler {
	return &HealthHandler{manager: manager}
}

// Health reports process liveness plus a pool summary. The endpoint is
// public: it carries no secrets and load balancers poll it unauthenticated.
func (h *HealthHandler) Health(c *gin.Context) {
	pools := h.manager.PoolStatuses()

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"providers": len(h.manager.Providers()),
		"pools":     pools,
	})
}
