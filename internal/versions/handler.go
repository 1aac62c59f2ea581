package versions

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"verdict/internal/logger"
	"verdict/pkg/errors"
)

type Handler struct {
	Service Service
	Logger  logger.Logger
}

func NewHandler(service Service, log logger.Logger) *Handler {
	return &Handler{
		Service: service,
		Logger:  log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		rules := v1.Group("/rules/:rule_id/versions")
		{
			rules.GET("", h.ListVersions)
			rules.POST("", h.CreateVersion)
			rules.GET("/active", h.GetActiveVersion)
		}

		versions := v1.Group("/versions")
		{
			versions.GET("/:id", h.GetVersion)
			versions.POST("/:id/activate", h.ActivateVersion)
			versions.GET("/:id/compare/:other_id", h.CompareVersions)
		}
	}
}

func (h *Handler) handleError(c *gin.Context, err error) {
	h.Logger.ErrorwCtx(c.Request.Context(), "Request error", "error", err, "path", c.Request.URL.Path)
	c.JSON(errors.ToHTTPStatus(err), errors.ToErrorResponse(err))
}

func (h *Handler) ListVersions(c *gin.Context) {
	result, err := h.Service.Versions(c.Request.Context(), c.Param("rule_id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) CreateVersion(c *gin.Context) {
	var req CreateVersionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	version, err := h.Service.CreateVersion(c.Request.Context(), c.Param("rule_id"), req)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, version)
}

func (h *Handler) GetActiveVersion(c *gin.Context) {
	version, err := h.Service.ActiveVersion(c.Request.Context(), c.Param("rule_id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	if version == nil {
		c.JSON(http.StatusNotFound, errors.ToErrorResponse(
			errors.ErrNotFound.WithDetail("message", "no active version")))
		return
	}
	c.JSON(http.StatusOK, version)
}

func (h *Handler) GetVersion(c *gin.Context) {
	version, err := h.Service.GetVersion(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, version)
}

func (h *Handler) ActivateVersion(c *gin.Context) {
	version, err := h.Service.Activate(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, version)
}

func (h *Handler) CompareVersions(c *gin.Context) {
	diff, err := h.Service.Compare(c.Request.Context(), c.Param("id"), c.Param("other_id"))
	if err != nil {
		h.handleError(c, err)
		return
	}
	c.JSON(http.StatusOK, diff)
}
