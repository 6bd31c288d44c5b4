package models

import (
	"time"
)

// VerifierNode 验证委员会成员
type VerifierNode struct {
	ID                      string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Address                 string    `gorm:"type:varchar(255);not null" json:"address"`
	PublicKey               string    `gorm:"type:varchar(128);not null" json:"public_key"` // hex编码的ed25519公钥
	IsActive                bool      `gorm:"not null;index" json:"is_active"`
	ReliabilityScore        float64   `gorm:"not null" json:"reliability_score"` // 只由信誉账本根据结果更新
	AvgLatencyMs            float64   `gorm:"not null;default:0" json:"avg_latency_ms"`
	SuccessfulVerifications int64     `gorm:"not null;default:0" json:"successful_verifications"`
	FailedVerifications     int64     `gorm:"not null;default:0" json:"failed_verifications"`
	CreatedAt               time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (VerifierNode) TableName() string {
	return "verifier_nodes"
}

// TotalVerifications 累计响应次数
func (n *VerifierNode) TotalVerifications() int64 {
	return n.SuccessfulVerifications + n.FailedVerifications
}
