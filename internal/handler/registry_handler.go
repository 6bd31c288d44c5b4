package handler

import (
	"net/http"

	"github.com/dushixiang/aegis/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// RegistryHandler 验证节点与服务商管理
type RegistryHandler struct {
	reliabilityService *service.ReliabilityService
	logger             *zap.Logger
}

// NewRegistryHandler 创建注册表处理器
func NewRegistryHandler(reliabilityService *service.ReliabilityService, logger *zap.Logger) *RegistryHandler {
	return &RegistryHandler{
		reliabilityService: reliabilityService,
		logger:             logger,
	}
}

// ListNodes 验证节点列表
// GET /api/verifier-nodes
func (h *RegistryHandler) ListNodes(c echo.Context) error {
	nodes, err := h.reliabilityService.ListNodes(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nodes)
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

// SetNodeActive 启用或停用验证节点
// PUT /api/verifier-nodes/:id/active
func (h *RegistryHandler) SetNodeActive(c echo.Context) error {
	var req setActiveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.reliabilityService.SetNodeActive(ctx, id, req.Active); err != nil {
		return err
	}
	node, err := h.reliabilityService.FindNode(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, node)
}

// ListProviders 服务商列表，blacklisted=true 时只返回已拉黑的
// GET /api/providers
func (h *RegistryHandler) ListProviders(c echo.Context) error {
	ctx := c.Request().Context()
	if c.QueryParam("blacklisted") == "true" {
		providers, err := h.reliabilityService.ListBlacklisted(ctx)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, providers)
	}
	providers, err := h.reliabilityService.ListProviders(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, providers)
}

// RegisterProvider 注册服务商
// POST /api/providers
func (h *RegistryHandler) RegisterProvider(c echo.Context) error {
	var req service.ProviderRegistration
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	provider, err := h.reliabilityService.RegisterProvider(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, provider)
}

// SelectProvider 按条件选出最可靠的服务商
// POST /api/providers/select
func (h *RegistryHandler) SelectProvider(c echo.Context) error {
	var criteria service.ProviderCriteria
	if err := c.Bind(&criteria); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}

	provider, err := h.reliabilityService.SelectProvider(c.Request().Context(), criteria)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, provider)
}

// ClearBlacklist 人工解除拉黑
// POST /api/providers/:id/clear-blacklist
func (h *RegistryHandler) ClearBlacklist(c echo.Context) error {
	provider, err := h.reliabilityService.ClearBlacklist(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	h.logger.Info("blacklist cleared by operator", zap.String("provider_id", provider.ID))
	return c.JSON(http.StatusOK, provider)
}

type outcomeRequest struct {
	Success   bool    `json:"success"`
	LatencyMs float64 `json:"latency_ms" validate:"gte=0"`
}

// ReportOutcome 上报一次服务商调用结果
// POST /api/providers/:id/outcomes
func (h *RegistryHandler) ReportOutcome(c echo.Context) error {
	var req outcomeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{
			"error": "invalid request body",
		})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	ctx := c.Request().Context()
	id := c.Param("id")
	if err := h.reliabilityService.RecordOutcome(ctx, service.EntityProvider, id, req.Success, req.LatencyMs); err != nil {
		return err
	}
	provider, err := h.reliabilityService.FindProvider(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, provider)
}

// RegisterRoutes 注册路由
func (h *RegistryHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/verifier-nodes", h.ListNodes)
	g.PUT("/verifier-nodes/:id/active", h.SetNodeActive)

	g.GET("/providers", h.ListProviders)
	g.POST("/providers", h.RegisterProvider)
	g.POST("/providers/select", h.SelectProvider)
	g.POST("/providers/:id/clear-blacklist", h.ClearBlacklist)
	g.POST("/providers/:id/outcomes", h.ReportOutcome)
}
