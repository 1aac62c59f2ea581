package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"verdict/internal/logger"
	"verdict/pkg/errors"
)

type Handler struct {
	Repo   Repository
	Logger logger.Logger
}

func NewHandler(repo Repository, log logger.Logger) *Handler {
	return &Handler{Repo: repo, Logger: log}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.GET("/audit/logs", h.ListEntries)
	}
}

func (h *Handler) ListEntries(c *gin.Context) {
	var ruleID *string
	if id := c.Query("rule_id"); id != "" {
		ruleID = &id
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, errors.ToErrorResponse(
				errors.ErrValidation.WithDetail("message", "limit must be an integer")))
			return
		}
		limit = parsed
	}

	entries, err := h.Repo.List(c.Request.Context(), ruleID, limit)
	if err != nil {
		h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
		c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
		return
	}
	c.JSON(http.StatusOK, entries)
}
