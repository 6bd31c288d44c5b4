package models

import (
	"time"

	"gorm.io/datatypes"
)

// RoundStatus 一轮法定签名收集的状态
type RoundStatus string

const (
	RoundStatusDispatched    RoundStatus = "dispatched"
	RoundStatusCollecting    RoundStatus = "collecting"
	RoundStatusQuorumReached RoundStatus = "quorum_reached"
	RoundStatusQuorumFailed  RoundStatus = "quorum_failed"
	RoundStatusTimedOut      RoundStatus = "timed_out"
)

// SignatureRecord 一个节点的有效签名
type SignatureRecord struct {
	NodeID     string    `json:"node_id"`
	Signature  string    `json:"signature"` // hex
	LatencyMs  float64   `json:"latency_ms"`
	ReceivedAt time.Time `json:"received_at"`
}

// VerificationLog 一轮验证的审计记录，只追加不修改
type VerificationLog struct {
	VerificationID     string                               `gorm:"primaryKey;type:varchar(36)" json:"verification_id"`
	DecisionID         string                               `gorm:"type:varchar(26);not null;uniqueIndex" json:"decision_id"`
	RequestHash        string                               `gorm:"type:varchar(64);not null;index" json:"request_hash"`
	RequestType        DecisionType                         `gorm:"type:varchar(20);not null" json:"request_type"`
	OwnerID            string                               `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	RoundStatus        RoundStatus                          `gorm:"type:varchar(20);not null" json:"round_status"`
	SignatureCount     int                                  `gorm:"not null" json:"signature_count"`
	RequiredSignatures int                                  `gorm:"not null" json:"required_signatures"`
	CommitteeSize      int                                  `gorm:"not null" json:"committee_size"`
	ConsensusReached   bool                                 `gorm:"not null" json:"consensus_reached"`
	ConsensusLatencyMs float64                              `gorm:"not null" json:"consensus_latency_ms"`
	Committee          datatypes.JSONSlice[string]          `gorm:"type:json" json:"committee"`
	Signatures         datatypes.JSONSlice[SignatureRecord] `gorm:"type:json" json:"signatures"`
	SettlementTxHash   string                               `gorm:"type:varchar(128)" json:"settlement_tx_hash,omitempty"`
	CreatedAt          time.Time                            `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (VerificationLog) TableName() string {
	return "verification_logs"
}
