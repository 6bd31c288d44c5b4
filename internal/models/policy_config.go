package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// DateLayout 日切日期格式
const DateLayout = "2006-01-02"

// PolicyConfig 主体的资金策略，每个主体一条
type PolicyConfig struct {
	OwnerID                  string                      `gorm:"primaryKey;type:varchar(64)" json:"owner_id"`
	MaxTransactionAmount     decimal.Decimal             `gorm:"type:decimal(20,8);not null" json:"max_transaction_amount"` // 单笔上限
	DailySpendingCap         decimal.Decimal             `gorm:"type:decimal(20,8);not null" json:"daily_spending_cap"`     // 每日上限
	CurrentDailySpend        decimal.Decimal             `gorm:"type:decimal(20,8);not null" json:"current_daily_spend"`    // 当日已用
	LastResetDate            string                      `gorm:"type:varchar(10)" json:"last_reset_date"`                   // 上次日切日期
	CooldownPeriodSeconds    int64                       `gorm:"not null;default:0" json:"cooldown_period_seconds"`         // 冷却时间
	LastTradeTimestamp       *time.Time                  `json:"last_trade_timestamp,omitempty"`                            // 上次通过的时间
	MaxPriceDeviationPercent decimal.Decimal             `gorm:"type:decimal(10,4);not null" json:"max_price_deviation_percent"`
	AllowedAddresses         datatypes.JSONSlice[string] `gorm:"type:json" json:"allowed_addresses"` // 为空表示不限制
	RiskTolerance            float64                     `gorm:"not null" json:"risk_tolerance"`
	IsActive                 bool                        `gorm:"not null" json:"is_active"`
	CreatedAt                time.Time                   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (PolicyConfig) TableName() string {
	return "policy_configs"
}

// ResetIfNewDay 日期变化后首次使用时清零当日额度
func (p *PolicyConfig) ResetIfNewDay(now time.Time, loc *time.Location) bool {
	today := now.In(loc).Format(DateLayout)
	if p.LastResetDate == today {
		return false
	}
	p.CurrentDailySpend = decimal.Zero
	p.LastResetDate = today
	return true
}

// RemainingDailySpend 当日剩余额度
func (p *PolicyConfig) RemainingDailySpend() decimal.Decimal {
	remaining := p.DailySpendingCap.Sub(p.CurrentDailySpend)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

// IsAddressAllowed 白名单为空时不限制
func (p *PolicyConfig) IsAddressAllowed(address string) bool {
	if len(p.AllowedAddresses) == 0 {
		return true
	}
	address = strings.TrimSpace(address)
	for _, allowed := range p.AllowedAddresses {
		if strings.EqualFold(strings.TrimSpace(allowed), address) {
			return true
		}
	}
	return false
}
