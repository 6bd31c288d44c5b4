package handler

import (
	"net/http"
	"strconv"

	"github.com/dushixiang/aegis/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// DecisionHandler 决策提交与查询
type DecisionHandler struct {
	decisionService *service.DecisionService
	policyService   *service.PolicyService
	logger          *zap.Logger
}

// NewDecisionHandler 创建决策处理器
func NewDecisionHandler(
	decisionService *service.DecisionService,
	policyService *service.PolicyService,
	logger *zap.Logger,
) *DecisionHandler {
	return &DecisionHandler{
		decisionService: decisionService,
		policyService:   policyService,
		logger:          logger,
	}
}

// SubmitResponse 提交结果，决策已落库但流程出错时同时返回 error
type SubmitResponse struct {
	*service.DecisionResult
	Error string `json:"error,omitempty"`
}

// Submit 提交决策
// POST /api/decisions
func (h *DecisionHandler) Submit(c echo.Context) error {
	var req service.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	result, err := h.decisionService.Submit(c.Request().Context(), req)
	if err != nil {
		if result == nil {
			return err
		}
		h.logger.Warn("decision finished with error",
			zap.String("decision_id", result.Decision.ID),
			zap.Error(err))
		return c.JSON(http.StatusOK, SubmitResponse{DecisionResult: result, Error: err.Error()})
	}
	return c.JSON(http.StatusOK, SubmitResponse{DecisionResult: result})
}

// GetDecision 获取决策
// GET /api/decisions/:id
func (h *DecisionHandler) GetDecision(c echo.Context) error {
	decision, err := h.decisionService.GetDecision(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, decision)
}

// GetVerificationLog 获取决策的验证记录
// GET /api/decisions/:id/verification
func (h *DecisionHandler) GetVerificationLog(c echo.Context) error {
	log, err := h.decisionService.GetVerificationLog(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, log)
}

// ListDecisions 最近的决策
// GET /api/decisions?owner_id=&limit=
func (h *DecisionHandler) ListDecisions(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, map[string]interface{}{
				"error": "invalid limit parameter",
			})
		}
		limit = n
	}

	decisions, err := h.decisionService.ListDecisions(c.Request().Context(), c.QueryParam("owner_id"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// GetPolicy 获取主体策略，未配置时返回默认值
// GET /api/policies/:owner_id
func (h *DecisionHandler) GetPolicy(c echo.Context) error {
	policy, err := h.policyService.GetPolicy(c.Request().Context(), c.Param("owner_id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, policy)
}

// UpdatePolicy 修改主体策略
// PUT /api/policies/:owner_id
func (h *DecisionHandler) UpdatePolicy(c echo.Context) error {
	var limits service.PolicyLimits
	if err := c.Bind(&limits); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if err := c.Validate(&limits); err != nil {
		return err
	}

	ownerID := c.Param("owner_id")
	policy, err := h.policyService.UpdateLimits(c.Request().Context(), ownerID, limits)
	if err != nil {
		return err
	}
	h.logger.Info("policy updated", zap.String("owner_id", ownerID))
	return c.JSON(http.StatusOK, policy)
}

// RegisterRoutes 注册路由，submit 单独挂载限流中间件
func (h *DecisionHandler) RegisterRoutes(g *echo.Group, submitMiddleware ...echo.MiddlewareFunc) {
	g.POST("/decisions", h.Submit, submitMiddleware...)
	g.GET("/decisions", h.ListDecisions)
	g.GET("/decisions/:id", h.GetDecision)
	g.GET("/decisions/:id/verification", h.GetVerificationLog)

	g.GET("/policies/:owner_id", h.GetPolicy)
	g.PUT("/policies/:owner_id", h.UpdatePolicy)
}
