package policy

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"verdict/internal/logger"
	"verdict/pkg/errors"
)

type Handler struct {
	Engine *Engine
	Logger logger.Logger
}

func NewHandler(engine *Engine, log logger.Logger) *Handler {
	return &Handler{
		Engine: engine,
		Logger: log,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v1 := router.Group("/api/v1")
	{
		v1.POST("/decisions", h.Evaluate)
	}
}

type EvaluateRequest struct {
	UserID        string                 `json:"user_id" binding:"required"`
	UserRole      string                 `json:"user_role" binding:"required"`
	Action        string                 `json:"action" binding:"required"`
	ResourceType  string                 `json:"resource_type"`
	ResourceOwner string                 `json:"resource_owner"`
	Amount        string                 `json:"amount"`
	Attributes    map[string]interface{} `json:"attributes"`
}

func (h *Handler) Evaluate(c *gin.Context) {
	var req EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errors.ToErrorResponse(errors.ErrValidation.WithCause(err)))
		return
	}

	ctx := c.Request.Context()

	// Bootstrap failures degrade the baseline, not the decision path.
	if err := h.Engine.EnsureRulesInitialized(ctx); err != nil {
		h.Logger.WarnwCtx(ctx, "Baseline rule bootstrap failed", "error", err)
	}

	result := h.Engine.Evaluate(ctx, Context{
		UserID:        req.UserID,
		UserRole:      req.UserRole,
		Action:        req.Action,
		ResourceType:  req.ResourceType,
		ResourceOwner: req.ResourceOwner,
		Amount:        req.Amount,
		Attributes:    req.Attributes,
	})

	c.JSON(http.StatusOK, result)
}
