package repo

import (
	"context"
	"time"

	"github.com/dushixiang/aegis/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewVerifierNodeRepo(db *gorm.DB) *VerifierNodeRepo {
	return &VerifierNodeRepo{
		Repository: orz.NewRepository[models.VerifierNode, string](db),
	}
}

type VerifierNodeRepo struct {
	orz.Repository[models.VerifierNode, string]
}

// FindByNodeID 根据节点ID查询
func (r VerifierNodeRepo) FindByNodeID(ctx context.Context, id string) (models.VerifierNode, error) {
	var node models.VerifierNode
	err := r.GetDB(ctx).Table(r.GetTableName()).
		Where("id = ?", id).
		First(&node).Error
	return node, err
}

// FindActive 查询所有活跃节点
func (r VerifierNodeRepo) FindActive(ctx context.Context) ([]models.VerifierNode, error) {
	var nodes []models.VerifierNode
	err := r.GetDB(ctx).Table(r.GetTableName()).
		Where("is_active = ?", true).
		Find(&nodes).Error
	return nodes, err
}

// FindAllOrderByID 查询所有节点（包括非活跃）
func (r VerifierNodeRepo) FindAllOrderByID(ctx context.Context) ([]models.VerifierNode, error) {
	var nodes []models.VerifierNode
	err := r.GetDB(ctx).Table(r.GetTableName()).
		Order("id ASC").
		Find(&nodes).Error
	return nodes, err
}

// UpdateActive 启用或停用节点
func (r VerifierNodeRepo) UpdateActive(ctx context.Context, id string, active bool) error {
	return r.GetDB(ctx).Table(r.GetTableName()).
		Where("id = ?", id).
		Update("is_active", active).Error
}

// UpdateStats 只写信誉账本维护的字段
func (r VerifierNodeRepo) UpdateStats(ctx context.Context, node *models.VerifierNode) error {
	return r.GetDB(ctx).Table(r.GetTableName()).
		Where("id = ?", node.ID).
		Updates(map[string]interface{}{
			"reliability_score":        node.ReliabilityScore,
			"avg_latency_ms":           node.AvgLatencyMs,
			"successful_verifications": node.SuccessfulVerifications,
			"failed_verifications":     node.FailedVerifications,
			"updated_at":               time.Now(),
		}).Error
}

// UpdateEndpoint 同步配置中的地址与公钥
func (r VerifierNodeRepo) UpdateEndpoint(ctx context.Context, id, address, publicKey string) error {
	return r.GetDB(ctx).Table(r.GetTableName()).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"address":    address,
			"public_key": publicKey,
			"updated_at": time.Now(),
		}).Error
}
