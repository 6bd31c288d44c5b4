package repo

import (
	"context"

	"github.com/dushixiang/aegis/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

type PolicyConfigRepo struct {
	orz.Repository[models.PolicyConfig, string]
}

func NewPolicyConfigRepo(db *gorm.DB) *PolicyConfigRepo {
	return &PolicyConfigRepo{
		Repository: orz.NewRepository[models.PolicyConfig, string](db),
	}
}

// FindByOwnerID 查询主体的策略，不存在时返回 gorm.ErrRecordNotFound
func (r *PolicyConfigRepo) FindByOwnerID(ctx context.Context, ownerID string) (models.PolicyConfig, error) {
	var policy models.PolicyConfig
	err := r.GetDB(ctx).Table(r.GetTableName()).
		Where("owner_id = ?", ownerID).
		First(&policy).Error
	return policy, err
}
