package attest

import (
	"encoding/hex"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// NodeServer 验证节点的 HTTP 接口
type NodeServer struct {
	logger *zap.Logger
	nodeID string
	signer *Signer
}

func NewNodeServer(logger *zap.Logger, nodeID string, signer *Signer) *NodeServer {
	return &NodeServer{logger: logger, nodeID: nodeID, signer: signer}
}

// RegisterRoutes 注册路由
func (s *NodeServer) RegisterRoutes(e *echo.Echo) {
	e.POST("/sign", s.Sign)
	e.GET("/health", s.Health)
}

// Sign 对请求哈希签名
func (s *NodeServer) Sign(c echo.Context) error {
	var req SignRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "invalid request"})
	}
	if err := c.Validate(&req); err != nil {
		return err
	}
	hash, err := hex.DecodeString(req.RequestHash)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]interface{}{"error": "request_hash must be hex"})
	}

	s.logger.Debug("signing request", zap.String("request_hash", req.RequestHash))
	return c.JSON(http.StatusOK, SignResponse{
		NodeID:    s.nodeID,
		Signature: s.signer.Sign(hash),
	})
}

func (s *NodeServer) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"node_id":    s.nodeID,
		"public_key": s.signer.PublicKey(),
	})
}
