package repo

import (
	"context"
	"time"

	"github.com/dushixiang/aegis/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewDecisionRepo(db *gorm.DB) *DecisionRepo {
	return &DecisionRepo{
		Repository: orz.NewRepository[models.Decision, string](db),
	}
}

type DecisionRepo struct {
	orz.Repository[models.Decision, string]
}

// FindRecentDecisions 获取最近的决策记录，ownerID 为空时查询全部
func (r DecisionRepo) FindRecentDecisions(ctx context.Context, ownerID string, limit int) ([]models.Decision, error) {
	var decisions []models.Decision
	db := r.GetDB(ctx).Table(r.GetTableName())
	if ownerID != "" {
		db = db.Where("owner_id = ?", ownerID)
	}
	err := db.Order("created_at DESC").
		Limit(limit).
		Find(&decisions).Error
	return decisions, err
}

// StatusCount 按状态统计
type StatusCount struct {
	Status models.DecisionStatus
	Count  int64
}

// CountByStatusSince 统计指定时间之后创建的决策
func (r DecisionRepo) CountByStatusSince(ctx context.Context, since time.Time) ([]StatusCount, error) {
	var counts []StatusCount
	err := r.GetDB(ctx).Table(r.GetTableName()).
		Select("status, COUNT(*) AS count").
		Where("created_at >= ?", since).
		Group("status").
		Order("status").
		Scan(&counts).Error
	return counts, err
}
