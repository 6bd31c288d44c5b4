package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider 按次付费的外部服务商
type Provider struct {
	ID                  string          `gorm:"primaryKey;type:varchar(26)" json:"id"`
	Name                string          `gorm:"type:varchar(128);not null" json:"name"`
	Endpoint            string          `gorm:"type:varchar(255);not null;uniqueIndex" json:"endpoint"`
	Description         string          `gorm:"type:text" json:"description"`
	SuccessRate         float64         `gorm:"not null;default:0" json:"success_rate"`
	AvgLatencyMs        float64         `gorm:"not null;default:0" json:"avg_latency_ms"`
	TotalCalls          int64           `gorm:"not null;default:0" json:"total_calls"`
	SuccessfulCalls     int64           `gorm:"not null;default:0" json:"successful_calls"`
	ReliabilityScore    float64         `gorm:"not null" json:"reliability_score"`
	ConsecutiveFailures int             `gorm:"not null;default:0" json:"consecutive_failures"`
	IsBlacklisted       bool            `gorm:"not null;default:false;index" json:"is_blacklisted"` // 只能人工解除
	CostPerCall         decimal.Decimal `gorm:"type:decimal(20,8);not null" json:"cost_per_call"`
	CreatedAt           time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt           time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (Provider) TableName() string {
	return "providers"
}
