package repo

import (
	"context"
	"time"

	"github.com/dushixiang/aegis/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewVerificationLogRepo(db *gorm.DB) *VerificationLogRepo {
	return &VerificationLogRepo{
		Repository: orz.NewRepository[models.VerificationLog, string](db),
	}
}

// VerificationLogRepo 只提供追加与查询
type VerificationLogRepo struct {
	orz.Repository[models.VerificationLog, string]
}

// FindByDecisionID 查询决策的验证记录
func (r VerificationLogRepo) FindByDecisionID(ctx context.Context, decisionID string) (models.VerificationLog, error) {
	var log models.VerificationLog
	err := r.GetDB(ctx).Table(r.GetTableName()).
		Where("decision_id = ?", decisionID).
		First(&log).Error
	return log, err
}

// RoundStats 一段时间内的验证统计
type RoundStats struct {
	Total        int64
	Reached      int64
	AvgLatencyMs float64
}

// StatsSince 统计指定时间之后的验证轮次
func (r VerificationLogRepo) StatsSince(ctx context.Context, since time.Time) (RoundStats, error) {
	var stats RoundStats
	err := r.GetDB(ctx).Table(r.GetTableName()).
		Select("COUNT(*) AS total, "+
			"COALESCE(SUM(CASE WHEN consensus_reached THEN 1 ELSE 0 END), 0) AS reached, "+
			"COALESCE(AVG(CASE WHEN consensus_reached THEN consensus_latency_ms END), 0) AS avg_latency_ms").
		Where("created_at >= ?", since).
		Scan(&stats).Error
	return stats, err
}
