package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dushixiang/aegis/internal/config"
	"github.com/dushixiang/aegis/internal/models"
	"github.com/dushixiang/aegis/internal/repo"
	"github.com/dushixiang/aegis/internal/xe"
	"github.com/go-orz/orz"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var hundred = decimal.NewFromInt(100)

// PolicyVerdict 策略检查结果
type PolicyVerdict struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

func accept() PolicyVerdict {
	return PolicyVerdict{Accepted: true}
}

func reject(reason, format string, args ...interface{}) PolicyVerdict {
	return PolicyVerdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// EvaluatePolicy 按顺序执行策略检查，遇到第一个失败即返回，不修改传入的策略
func EvaluatePolicy(policy models.PolicyConfig, params models.DecisionParams, now time.Time, loc *time.Location) PolicyVerdict {
	// 1. 策略开关
	if !policy.IsActive {
		return reject(models.ReasonPolicyInactive, "policy of %s is inactive", policy.OwnerID)
	}

	amount := params.SpendAmount()

	// 2. 单笔上限
	if amount.GreaterThan(policy.MaxTransactionAmount) {
		return reject(models.ReasonAmountLimitExceeded, "amount %s exceeds max transaction amount %s",
			amount, policy.MaxTransactionAmount)
	}

	// 3. 每日上限，先按日期清零
	policy.ResetIfNewDay(now, loc)
	if policy.CurrentDailySpend.Add(amount).GreaterThan(policy.DailySpendingCap) {
		return reject(models.ReasonDailyCapExceeded, "daily spend %s + %s exceeds cap %s",
			policy.CurrentDailySpend, amount, policy.DailySpendingCap)
	}

	// 4. 冷却时间
	if policy.LastTradeTimestamp != nil && policy.CooldownPeriodSeconds > 0 {
		cooldown := time.Duration(policy.CooldownPeriodSeconds) * time.Second
		elapsed := now.Sub(*policy.LastTradeTimestamp)
		if elapsed < cooldown {
			return reject(models.ReasonCooldownActive, "%s since last trade, cooldown is %s",
				elapsed.Truncate(time.Second), cooldown)
		}
	}

	// 5. 价格偏离
	if reference, quoted, ok := params.PriceQuote(); ok {
		deviation := quoted.Sub(reference).Abs().Div(reference).Mul(hundred)
		if deviation.GreaterThan(policy.MaxPriceDeviationPercent) {
			return reject(models.ReasonPriceDeviationExceeded, "price deviation %s%% exceeds %s%%",
				deviation.StringFixed(4), policy.MaxPriceDeviationPercent)
		}
	}

	// 6. 交易对手白名单
	if address := params.CounterpartyAddress(); address != "" && !policy.IsAddressAllowed(address) {
		return reject(models.ReasonAddressNotAllowed, "address %s is not in allow-list", address)
	}

	return accept()
}

// PolicyLimits 可由运营修改的策略字段，已用额度与时间戳只由策略引擎维护
type PolicyLimits struct {
	MaxTransactionAmount     decimal.Decimal `json:"max_transaction_amount"`
	DailySpendingCap         decimal.Decimal `json:"daily_spending_cap"`
	CooldownPeriodSeconds    int64           `json:"cooldown_period_seconds" validate:"gte=0"`
	MaxPriceDeviationPercent decimal.Decimal `json:"max_price_deviation_percent"`
	AllowedAddresses         []string        `json:"allowed_addresses"`
	RiskTolerance            float64         `json:"risk_tolerance" validate:"gte=0,lte=1"`
	IsActive                 bool            `json:"is_active"`
}

func (l PolicyLimits) validate() error {
	if l.MaxTransactionAmount.IsNegative() || l.DailySpendingCap.IsNegative() || l.MaxPriceDeviationPercent.IsNegative() {
		return fmt.Errorf("%w: limits must not be negative", xe.ErrInvalidParams)
	}
	if l.CooldownPeriodSeconds < 0 || l.RiskTolerance < 0 || l.RiskTolerance > 1 {
		return fmt.Errorf("%w: cooldown must be >= 0 and risk tolerance within [0,1]", xe.ErrInvalidParams)
	}
	return nil
}

// PolicyService 策略引擎
type PolicyService struct {
	logger *zap.Logger

	*orz.Service
	*repo.PolicyConfigRepo

	locker   PrincipalLocker
	defaults config.PolicyConf
	loc      *time.Location
	now      func() time.Time
}

// NewPolicyService 创建策略服务
func NewPolicyService(db *gorm.DB, locker PrincipalLocker, conf *config.Config, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		logger:           logger,
		Service:          orz.NewService(db),
		PolicyConfigRepo: repo.NewPolicyConfigRepo(db),
		locker:           locker,
		defaults:         conf.Policy,
		loc:              conf.Policy.Location(),
		now:              time.Now,
	}
}

func (s *PolicyService) defaultPolicy(ownerID string) models.PolicyConfig {
	return models.PolicyConfig{
		OwnerID:                  ownerID,
		MaxTransactionAmount:     decimal.NewFromFloat(s.defaults.MaxTransactionAmount),
		DailySpendingCap:         decimal.NewFromFloat(s.defaults.DailySpendingCap),
		CurrentDailySpend:        decimal.Zero,
		LastResetDate:            s.now().In(s.loc).Format(models.DateLayout),
		CooldownPeriodSeconds:    s.defaults.CooldownPeriodSeconds,
		MaxPriceDeviationPercent: decimal.NewFromFloat(s.defaults.MaxPriceDeviationPercent),
		AllowedAddresses:         []string{},
		RiskTolerance:            s.defaults.RiskTolerance,
		IsActive:                 true,
	}
}

// load 读取主体策略，不存在时返回默认策略且 exists 为 false
func (s *PolicyService) load(ctx context.Context, ownerID string) (policy models.PolicyConfig, exists bool, err error) {
	policy, err = s.PolicyConfigRepo.FindByOwnerID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.defaultPolicy(ownerID), false, nil
		}
		return policy, false, err
	}
	return policy, true, nil
}

func (s *PolicyService) persist(ctx context.Context, policy *models.PolicyConfig, exists bool) error {
	if exists {
		return s.PolicyConfigRepo.Save(ctx, policy)
	}
	return s.PolicyConfigRepo.Create(ctx, policy)
}

// GetPolicy 返回主体当前策略，尚未配置时返回默认值，跨日后首次读取时落库清零
func (s *PolicyService) GetPolicy(ctx context.Context, ownerID string) (models.PolicyConfig, error) {
	unlock, err := s.locker.Lock(ctx, ownerID)
	if err != nil {
		return models.PolicyConfig{}, err
	}
	defer unlock()

	policy, exists, err := s.load(ctx, ownerID)
	if err != nil {
		return policy, err
	}
	if err := s.resetIfNewDay(ctx, &policy, exists, s.now()); err != nil {
		return policy, err
	}
	return policy, nil
}

// resetIfNewDay 日期变化时清零并保存，调用方需持有主体锁
func (s *PolicyService) resetIfNewDay(ctx context.Context, policy *models.PolicyConfig, exists bool, now time.Time) error {
	if !policy.ResetIfNewDay(now, s.loc) {
		return nil
	}
	s.logger.Info("daily spend reset", zap.String("owner_id", policy.OwnerID), zap.String("date", policy.LastResetDate))
	if !exists {
		return nil
	}
	if err := s.PolicyConfigRepo.Save(ctx, policy); err != nil {
		return fmt.Errorf("save policy of %s: %w", policy.OwnerID, err)
	}
	return nil
}

// Charge 检查并在通过时预占额度，检查与扣减在同一把主体锁内完成
func (s *PolicyService) Charge(ctx context.Context, ownerID string, params models.DecisionParams) (PolicyVerdict, error) {
	unlock, err := s.locker.Lock(ctx, ownerID)
	if err != nil {
		return PolicyVerdict{}, err
	}
	defer unlock()

	policy, exists, err := s.load(ctx, ownerID)
	if err != nil {
		return PolicyVerdict{}, fmt.Errorf("load policy of %s: %w", ownerID, err)
	}

	now := s.now()
	verdict := EvaluatePolicy(policy, params, now, s.loc)
	if !verdict.Accepted {
		if err := s.resetIfNewDay(ctx, &policy, exists, now); err != nil {
			return PolicyVerdict{}, err
		}
		s.logger.Info("policy rejected decision",
			zap.String("owner_id", ownerID),
			zap.String("reason", verdict.Reason),
			zap.String("detail", verdict.Detail))
		return verdict, nil
	}

	amount := params.SpendAmount()
	if policy.ResetIfNewDay(now, s.loc) {
		s.logger.Info("daily spend reset", zap.String("owner_id", ownerID), zap.String("date", policy.LastResetDate))
	}
	policy.CurrentDailySpend = policy.CurrentDailySpend.Add(amount)
	policy.LastTradeTimestamp = &now

	if err := s.persist(ctx, &policy, exists); err != nil {
		return PolicyVerdict{}, fmt.Errorf("save policy of %s: %w", ownerID, err)
	}

	s.logger.Info("policy accepted decision",
		zap.String("owner_id", ownerID),
		zap.String("amount", amount.String()),
		zap.String("current_daily_spend", policy.CurrentDailySpend.String()),
		zap.String("daily_spending_cap", policy.DailySpendingCap.String()))
	return verdict, nil
}

// UpdateLimits 修改主体的策略限制
func (s *PolicyService) UpdateLimits(ctx context.Context, ownerID string, limits PolicyLimits) (models.PolicyConfig, error) {
	if err := limits.validate(); err != nil {
		return models.PolicyConfig{}, err
	}

	unlock, err := s.locker.Lock(ctx, ownerID)
	if err != nil {
		return models.PolicyConfig{}, err
	}
	defer unlock()

	policy, exists, err := s.load(ctx, ownerID)
	if err != nil {
		return policy, err
	}

	addresses := limits.AllowedAddresses
	if addresses == nil {
		addresses = []string{}
	}
	policy.MaxTransactionAmount = limits.MaxTransactionAmount
	policy.DailySpendingCap = limits.DailySpendingCap
	policy.CooldownPeriodSeconds = limits.CooldownPeriodSeconds
	policy.MaxPriceDeviationPercent = limits.MaxPriceDeviationPercent
	policy.AllowedAddresses = addresses
	policy.RiskTolerance = limits.RiskTolerance
	policy.IsActive = limits.IsActive

	if err := s.persist(ctx, &policy, exists); err != nil {
		return policy, err
	}
	s.logger.Info("policy limits updated", zap.String("owner_id", ownerID), zap.Bool("is_active", policy.IsActive))
	return policy, nil
}
