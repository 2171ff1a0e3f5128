package v1

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/calyx-ai/switchboard/internal/core/domain"
	"github.com/calyx-ai/switchboard/internal/store"
	"github.com/gin-gonic/gin"
)

type RequestHandler struct {
	repo store.Repository
}

func NewRequestHandler(repo store.Repository) *RequestHandler {
	return &RequestHandler{repo: repo}
}

func (h *RequestHandler) GetRequest(c *gin.Context) {
	id := c.Param("id")

	log, err := h.repo.Requests().GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = c.Error(domain.NotFoundError("request " + id + " not found"))
			return
		}
		_ = c.Error(domain.InternalError("failed to load request", err))
		return
	}

	c.JSON(http.StatusOK, log)
}

func (h *RequestHandler) ListRecent(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	logs, err := h.repo.Requests().GetRecent(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(domain.InternalError("failed to load requests", err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   logs,
	})
}
