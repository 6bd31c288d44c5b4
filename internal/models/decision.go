package models

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
)

// DecisionType 决策类型
type DecisionType string

const (
	DecisionTypeBuy         DecisionType = "buy"
	DecisionTypeSell        DecisionType = "sell"
	DecisionTypeHold        DecisionType = "hold"
	DecisionTypeRebalance   DecisionType = "rebalance"
	DecisionTypePurchaseAPI DecisionType = "purchase_api"
)

func (t DecisionType) Valid() bool {
	switch t {
	case DecisionTypeBuy, DecisionTypeSell, DecisionTypeHold, DecisionTypeRebalance, DecisionTypePurchaseAPI:
		return true
	}
	return false
}

// DecisionStatus 决策状态
type DecisionStatus string

const (
	DecisionStatusPending   DecisionStatus = "pending"   // 待处理
	DecisionStatusVerifying DecisionStatus = "verifying" // 验证中
	DecisionStatusVerified  DecisionStatus = "verified"  // 已达成共识
	DecisionStatusRejected  DecisionStatus = "rejected"  // 已拒绝（策略或共识）
	DecisionStatusExecuted  DecisionStatus = "executed"  // 已结算
	DecisionStatusFailed    DecisionStatus = "failed"    // 结算失败
)

var decisionTransitions = map[DecisionStatus][]DecisionStatus{
	DecisionStatusPending:   {DecisionStatusVerifying, DecisionStatusRejected},
	DecisionStatusVerifying: {DecisionStatusVerified, DecisionStatusRejected},
	DecisionStatusVerified:  {DecisionStatusExecuted, DecisionStatusFailed},
}

// CanTransitionTo 是否允许流转到下一个状态
func (s DecisionStatus) CanTransitionTo(next DecisionStatus) bool {
	for _, allowed := range decisionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal 是否终态
func (s DecisionStatus) IsTerminal() bool {
	return s == DecisionStatusRejected || s == DecisionStatusExecuted || s == DecisionStatusFailed
}

// Decision 待验证的资金操作
type Decision struct {
	ID                 string         `gorm:"primaryKey;type:varchar(26)" json:"id"`
	OwnerID            string         `gorm:"type:varchar(64);not null;index" json:"owner_id"`
	Type               DecisionType   `gorm:"type:varchar(20);not null" json:"type"`
	Status             DecisionStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	Parameters         datatypes.JSON `json:"parameters"`                    // 按类型区分的结构化参数
	Rationale          string         `gorm:"type:text" json:"rationale"`    // 决策理由
	Analysis           datatypes.JSON `json:"analysis,omitempty"`            // 上游分析结果，核心流程不解析
	VerificationResult datatypes.JSON `json:"verification_result,omitempty"` // 拒绝原因或共识结果
	SettlementRef      string         `gorm:"type:varchar(128)" json:"settlement_ref,omitempty"`
	PQSignature        string         `gorm:"type:text" json:"pq_signature,omitempty"`
	CreatedAt          time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (Decision) TableName() string {
	return "decisions"
}

// TransitionTo 按状态图流转，非法流转返回错误
func (d *Decision) TransitionTo(next DecisionStatus) error {
	if !d.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal decision transition %s -> %s", d.Status, next)
	}
	d.Status = next
	return nil
}

// Params 解码结构化参数
func (d *Decision) Params() (DecisionParams, error) {
	return DecodeDecisionParams(d.Type, d.Parameters)
}

// SetParams 编码结构化参数
func (d *Decision) SetParams(params DecisionParams) error {
	data, err := json.Marshal(params)
	if err != nil {
		return err
	}
	d.Parameters = data
	return nil
}

// Result 读取验证结果
func (d *Decision) Result() (*VerificationResult, error) {
	if len(d.VerificationResult) == 0 || string(d.VerificationResult) == "null" {
		return nil, nil
	}
	var result VerificationResult
	if err := json.Unmarshal(d.VerificationResult, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SetResult 写入验证结果
func (d *Decision) SetResult(result VerificationResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	d.VerificationResult = data
	return nil
}

// 拒绝与失败原因
const (
	ReasonPolicyInactive         = "POLICY_INACTIVE"
	ReasonAmountLimitExceeded    = "AMOUNT_LIMIT_EXCEEDED"
	ReasonDailyCapExceeded       = "DAILY_CAP_EXCEEDED"
	ReasonCooldownActive         = "COOLDOWN_ACTIVE"
	ReasonPriceDeviationExceeded = "PRICE_DEVIATION_EXCEEDED"
	ReasonAddressNotAllowed      = "ADDRESS_NOT_ALLOWED"
	ReasonConsensusNotReached    = "CONSENSUS_NOT_REACHED"
	ReasonNoEligibleProvider     = "NO_ELIGIBLE_PROVIDER"
	ReasonCommitteeUnavailable   = "COMMITTEE_UNAVAILABLE"
	ReasonSettlementFailed       = "SETTLEMENT_FAILED"
)

// ResultStage 结果产生的阶段，便于区分策略拒绝、共识失败与结算失败
type ResultStage string

const (
	ResultStagePolicy     ResultStage = "policy"
	ResultStageProvider   ResultStage = "provider"
	ResultStageConsensus  ResultStage = "consensus"
	ResultStageSettlement ResultStage = "settlement"
)

// VerificationResult 决策上记录的验证结果
type VerificationResult struct {
	Stage              ResultStage `json:"stage"`
	Reason             string      `json:"reason,omitempty"`
	Detail             string      `json:"detail,omitempty"`
	VerificationID     string      `json:"verification_id,omitempty"`
	RoundStatus        RoundStatus `json:"round_status,omitempty"`
	ConsensusReached   bool        `json:"consensus_reached"`
	SignatureCount     int         `json:"signature_count,omitempty"`
	RequiredSignatures int         `json:"required_signatures,omitempty"`
}
