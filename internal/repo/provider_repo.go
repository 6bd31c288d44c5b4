package repo

import (
	"context"
	"time"

	"github.com/dushixiang/aegis/internal/models"
	"github.com/go-orz/orz"
	"gorm.io/gorm"
)

func NewProviderRepo(db *gorm.DB) *ProviderRepo {
	return &ProviderRepo{
		Repository: orz.NewRepository[models.Provider, string](db),
	}
}

type ProviderRepo struct {
	orz.Repository[models.Provider, string]
}

// FindByProviderID 根据ID查询
func (r ProviderRepo) FindByProviderID(ctx context.Context, id string) (models.Provider, error) {
	var provider models.Provider
	err := r.GetDB(ctx).Table(r.GetTableName()).
		Where("id = ?", id).
		First(&provider).Error
	return provider, err
}

// FindByEndpoint 根据地址查询
func (r ProviderRepo) FindByEndpoint(ctx context.Context, endpoint string) (models.Provider, error) {
	var provider models.Provider
	err := r.GetDB(ctx).Table(r.GetTableName()).
		Where("endpoint = ?", endpoint).
		First(&provider).Error
	return provider, err
}

// FindNotBlacklisted 查询未被拉黑的服务商
func (r ProviderRepo) FindNotBlacklisted(ctx context.Context) ([]models.Provider, error) {
	var providers []models.Provider
	err := r.GetDB(ctx).Table(r.GetTableName()).
		Where("is_blacklisted = ?", false).
		Find(&providers).Error
	return providers, err
}

// FindBlacklisted 查询已被拉黑的服务商
func (r ProviderRepo) FindBlacklisted(ctx context.Context) ([]models.Provider, error) {
	var providers []models.Provider
	err := r.GetDB(ctx).Table(r.GetTableName()).
		Where("is_blacklisted = ?", true).
		Order("name ASC").
		Find(&providers).Error
	return providers, err
}

// FindAllOrderByScore 按信誉降序查询
func (r ProviderRepo) FindAllOrderByScore(ctx context.Context) ([]models.Provider, error) {
	var providers []models.Provider
	err := r.GetDB(ctx).Table(r.GetTableName()).
		Order("reliability_score DESC, id ASC").
		Find(&providers).Error
	return providers, err
}

// UpdateStats 只写信誉账本维护的字段
func (r ProviderRepo) UpdateStats(ctx context.Context, provider *models.Provider) error {
	return r.GetDB(ctx).Table(r.GetTableName()).
		Where("id = ?", provider.ID).
		Updates(map[string]interface{}{
			"reliability_score":    provider.ReliabilityScore,
			"avg_latency_ms":       provider.AvgLatencyMs,
			"total_calls":          provider.TotalCalls,
			"successful_calls":     provider.SuccessfulCalls,
			"success_rate":         provider.SuccessRate,
			"consecutive_failures": provider.ConsecutiveFailures,
			"is_blacklisted":       provider.IsBlacklisted,
			"updated_at":           time.Now(),
		}).Error
}
