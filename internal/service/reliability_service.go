package service

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dushixiang/aegis/internal/config"
	"github.com/dushixiang/aegis/internal/models"
	"github.com/dushixiang/aegis/internal/repo"
	"github.com/dushixiang/aegis/internal/xe"
	"github.com/go-orz/orz"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EntityKind 信誉账本中的实体类型
type EntityKind string

const (
	EntityNode     EntityKind = "node"
	EntityProvider EntityKind = "provider"
)

// Notifier 运营通知
type Notifier interface {
	Notify(msg string) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(string) error { return nil }

// ProviderCriteria 选择服务商的条件，零值表示不限制
type ProviderCriteria struct {
	MaxCostPerCall decimal.Decimal `json:"max_cost_per_call"`
	MaxLatencyMs   float64         `json:"max_latency_ms"`
}

func (c ProviderCriteria) match(p *models.Provider) bool {
	if c.MaxCostPerCall.IsPositive() && p.CostPerCall.GreaterThan(c.MaxCostPerCall) {
		return false
	}
	if c.MaxLatencyMs > 0 && p.AvgLatencyMs > c.MaxLatencyMs {
		return false
	}
	return true
}

// ProviderRegistration 注册服务商
type ProviderRegistration struct {
	Name        string          `json:"name" validate:"required,max=128"`
	Endpoint    string          `json:"endpoint" validate:"required,url,max=255"`
	Description string          `json:"description"`
	CostPerCall decimal.Decimal `json:"cost_per_call"`
}

// ReliabilityService 信誉账本，维护验证节点与服务商的评分
type ReliabilityService struct {
	logger *zap.Logger

	*orz.Service
	nodeRepo     *repo.VerifierNodeRepo
	providerRepo *repo.ProviderRepo

	conf     config.ReliabilityConf
	locks    *KeyedMutex
	notifier Notifier
	metrics  *Metrics
}

// NewReliabilityService 创建信誉账本服务
func NewReliabilityService(db *gorm.DB, conf *config.Config, notifier Notifier, metrics *Metrics, logger *zap.Logger) *ReliabilityService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ReliabilityService{
		logger:       logger,
		Service:      orz.NewService(db),
		nodeRepo:     repo.NewVerifierNodeRepo(db),
		providerRepo: repo.NewProviderRepo(db),
		conf:         conf.Reliability,
		locks:        NewKeyedMutex(),
		notifier:     notifier,
		metrics:      metrics,
	}
}

func (s *ReliabilityService) fold(current, observed float64) float64 {
	return current*(1-s.conf.Alpha) + observed*s.conf.Alpha
}

func (s *ReliabilityService) foldLatency(current float64, samples int64, latencyMs float64) float64 {
	if latencyMs <= 0 {
		return current
	}
	if samples == 0 {
		return latencyMs
	}
	return s.fold(current, latencyMs)
}

func outcomeValue(success bool) float64 {
	if success {
		return 1
	}
	return 0
}

// RecordOutcome 记录一次结果并更新评分，同一实体的更新串行执行
func (s *ReliabilityService) RecordOutcome(ctx context.Context, kind EntityKind, id string, success bool, latencyMs float64) error {
	unlock, err := s.locks.Lock(ctx, string(kind)+":"+id)
	if err != nil {
		return err
	}
	defer unlock()

	s.metrics.RecordOutcome(ctx, kind, success)
	switch kind {
	case EntityNode:
		return s.recordNodeOutcome(ctx, id, success, latencyMs)
	case EntityProvider:
		return s.recordProviderOutcome(ctx, id, success, latencyMs)
	}
	return fmt.Errorf("%w: unknown entity kind %q", xe.ErrInvalidParams, kind)
}

func (s *ReliabilityService) recordNodeOutcome(ctx context.Context, id string, success bool, latencyMs float64) error {
	node, err := s.nodeRepo.FindByNodeID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", xe.ErrNodeNotFound, id)
		}
		return err
	}

	node.AvgLatencyMs = s.foldLatency(node.AvgLatencyMs, node.TotalVerifications(), latencyMs)
	node.ReliabilityScore = s.fold(node.ReliabilityScore, outcomeValue(success))
	if success {
		node.SuccessfulVerifications++
	} else {
		node.FailedVerifications++
	}

	if err := s.nodeRepo.UpdateStats(ctx, &node); err != nil {
		return fmt.Errorf("save node %s: %w", id, err)
	}
	s.logger.Debug("node outcome recorded",
		zap.String("node_id", id),
		zap.Bool("success", success),
		zap.Float64("latency_ms", latencyMs),
		zap.Float64("reliability_score", node.ReliabilityScore))
	return nil
}

func (s *ReliabilityService) recordProviderOutcome(ctx context.Context, id string, success bool, latencyMs float64) error {
	provider, err := s.providerRepo.FindByProviderID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", xe.ErrProviderNotFound, id)
		}
		return err
	}

	provider.AvgLatencyMs = s.foldLatency(provider.AvgLatencyMs, provider.TotalCalls, latencyMs)
	provider.ReliabilityScore = s.fold(provider.ReliabilityScore, outcomeValue(success))
	provider.TotalCalls++
	if success {
		provider.SuccessfulCalls++
		provider.ConsecutiveFailures = 0
	} else {
		provider.ConsecutiveFailures++
	}
	provider.SuccessRate = float64(provider.SuccessfulCalls) / float64(provider.TotalCalls)

	newlyBlacklisted := false
	if !provider.IsBlacklisted &&
		provider.ReliabilityScore < s.conf.ProviderFloor &&
		provider.ConsecutiveFailures > s.conf.MaxConsecutiveFailures {
		provider.IsBlacklisted = true
		newlyBlacklisted = true
	}

	if err := s.providerRepo.UpdateStats(ctx, &provider); err != nil {
		return fmt.Errorf("save provider %s: %w", id, err)
	}

	if newlyBlacklisted {
		s.metrics.RecordBlacklisted(ctx)
		s.logger.Warn("provider blacklisted",
			zap.String("provider_id", id),
			zap.String("endpoint", provider.Endpoint),
			zap.Float64("reliability_score", provider.ReliabilityScore),
			zap.Int("consecutive_failures", provider.ConsecutiveFailures))
		msg := fmt.Sprintf("provider %s (%s) blacklisted: score %.3f, %d consecutive failures",
			provider.Name, provider.Endpoint, provider.ReliabilityScore, provider.ConsecutiveFailures)
		if err := s.notifier.Notify(msg); err != nil {
			s.logger.Warn("failed to notify provider blacklist", zap.Error(err))
		}
	}
	return nil
}

// SelectCommittee 返回评分最高的活跃节点，评分相同按延迟升序，再按ID升序
func (s *ReliabilityService) SelectCommittee(ctx context.Context, size int) ([]models.VerifierNode, error) {
	nodes, err := s.nodeRepo.FindActive(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.ReliabilityScore != b.ReliabilityScore {
			return a.ReliabilityScore > b.ReliabilityScore
		}
		if a.AvgLatencyMs != b.AvgLatencyMs {
			return a.AvgLatencyMs < b.AvgLatencyMs
		}
		return a.ID < b.ID
	})
	if size >= 0 && len(nodes) > size {
		nodes = nodes[:size]
	}
	return nodes, nil
}

func (s *ReliabilityService) eligible(p *models.Provider) bool {
	return !p.IsBlacklisted && p.ReliabilityScore >= s.conf.ProviderFloor
}

// SelectProvider 返回满足条件且评分最高的服务商
func (s *ReliabilityService) SelectProvider(ctx context.Context, criteria ProviderCriteria) (models.Provider, error) {
	providers, err := s.providerRepo.FindNotBlacklisted(ctx)
	if err != nil {
		return models.Provider{}, err
	}

	var best *models.Provider
	for i := range providers {
		p := &providers[i]
		if !s.eligible(p) || !criteria.match(p) {
			continue
		}
		if best == nil ||
			p.ReliabilityScore > best.ReliabilityScore ||
			(p.ReliabilityScore == best.ReliabilityScore && p.AvgLatencyMs < best.AvgLatencyMs) ||
			(p.ReliabilityScore == best.ReliabilityScore && p.AvgLatencyMs == best.AvgLatencyMs && p.ID < best.ID) {
			best = p
		}
	}
	if best == nil {
		return models.Provider{}, xe.ErrNoEligibleProvider
	}
	return *best, nil
}

// CheckProvider 校验指定的服务商是否可用
func (s *ReliabilityService) CheckProvider(ctx context.Context, id string, criteria ProviderCriteria) (models.Provider, error) {
	provider, err := s.providerRepo.FindByProviderID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return provider, fmt.Errorf("%w: provider %s does not exist", xe.ErrNoEligibleProvider, id)
		}
		return provider, err
	}
	if !s.eligible(&provider) {
		return provider, fmt.Errorf("%w: provider %s is blacklisted or below floor", xe.ErrNoEligibleProvider, id)
	}
	if !criteria.match(&provider) {
		return provider, fmt.Errorf("%w: provider %s does not meet cost or latency criteria", xe.ErrNoEligibleProvider, id)
	}
	return provider, nil
}

// ClearBlacklist 人工解除拉黑，不修改评分
func (s *ReliabilityService) ClearBlacklist(ctx context.Context, id string) (models.Provider, error) {
	unlock, err := s.locks.Lock(ctx, string(EntityProvider)+":"+id)
	if err != nil {
		return models.Provider{}, err
	}
	defer unlock()

	provider, err := s.providerRepo.FindByProviderID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return provider, xe.ErrProviderNotFound
		}
		return provider, err
	}
	provider.IsBlacklisted = false
	provider.ConsecutiveFailures = 0
	if err := s.providerRepo.Save(ctx, &provider); err != nil {
		return provider, err
	}
	s.logger.Info("provider blacklist cleared", zap.String("provider_id", id))
	return provider, nil
}

// RegisterProvider 注册服务商，初始评分来自配置
func (s *ReliabilityService) RegisterProvider(ctx context.Context, reg ProviderRegistration) (models.Provider, error) {
	if reg.CostPerCall.IsNegative() {
		return models.Provider{}, fmt.Errorf("%w: cost_per_call must not be negative", xe.ErrInvalidParams)
	}
	if _, err := s.providerRepo.FindByEndpoint(ctx, reg.Endpoint); err == nil {
		return models.Provider{}, xe.ErrProviderEndpointUsed
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Provider{}, err
	}

	provider := models.Provider{
		ID:               ulid.Make().String(),
		Name:             reg.Name,
		Endpoint:         reg.Endpoint,
		Description:      reg.Description,
		ReliabilityScore: s.conf.InitialScore,
		CostPerCall:      reg.CostPerCall,
	}
	if err := s.providerRepo.Create(ctx, &provider); err != nil {
		return provider, err
	}
	s.logger.Info("provider registered",
		zap.String("provider_id", provider.ID),
		zap.String("endpoint", provider.Endpoint))
	return provider, nil
}

func (s *ReliabilityService) ListProviders(ctx context.Context) ([]models.Provider, error) {
	return s.providerRepo.FindAllOrderByScore(ctx)
}

func (s *ReliabilityService) ListBlacklisted(ctx context.Context) ([]models.Provider, error) {
	return s.providerRepo.FindBlacklisted(ctx)
}

func (s *ReliabilityService) ListNodes(ctx context.Context) ([]models.VerifierNode, error) {
	return s.nodeRepo.FindAllOrderByID(ctx)
}

// FindNode 根据ID查询节点
func (s *ReliabilityService) FindNode(ctx context.Context, id string) (models.VerifierNode, error) {
	node, err := s.nodeRepo.FindByNodeID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return node, xe.ErrNodeNotFound
	}
	return node, err
}

// FindProvider 根据ID查询服务商
func (s *ReliabilityService) FindProvider(ctx context.Context, id string) (models.Provider, error) {
	provider, err := s.providerRepo.FindByProviderID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return provider, xe.ErrProviderNotFound
	}
	return provider, err
}

// SetNodeActive 启用或停用节点，停用的节点保留历史记录
func (s *ReliabilityService) SetNodeActive(ctx context.Context, id string, active bool) error {
	unlock, err := s.locks.Lock(ctx, string(EntityNode)+":"+id)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.FindNode(ctx, id); err != nil {
		return err
	}
	if err := s.nodeRepo.UpdateActive(ctx, id, active); err != nil {
		return err
	}
	s.logger.Info("verifier node active flag changed", zap.String("node_id", id), zap.Bool("is_active", active))
	return nil
}

// SyncNodes 将配置中的节点目录同步到数据库，保留已有计数，配置中不存在的节点被停用
func (s *ReliabilityService) SyncNodes(ctx context.Context, nodes []config.NodeConf) error {
	if len(nodes) == 0 {
		return nil
	}
	for _, n := range nodes {
		key, err := hex.DecodeString(n.PublicKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("node %s has an invalid ed25519 public key", n.ID)
		}
	}

	existing, err := s.nodeRepo.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load existing nodes: %w", err)
	}
	existingMap := make(map[string]*models.VerifierNode, len(existing))
	for i := range existing {
		existingMap[existing[i].ID] = &existing[i]
	}

	return s.Transaction(ctx, func(ctx context.Context) error {
		seen := make(map[string]struct{}, len(nodes))
		for _, n := range nodes {
			seen[n.ID] = struct{}{}
			if _, ok := existingMap[n.ID]; ok {
				if err := s.nodeRepo.UpdateEndpoint(ctx, n.ID, n.Address, strings.ToLower(n.PublicKey)); err != nil {
					return fmt.Errorf("failed to update node %s: %w", n.ID, err)
				}
				continue
			}
			node := &models.VerifierNode{
				ID:               n.ID,
				Address:          n.Address,
				PublicKey:        strings.ToLower(n.PublicKey),
				IsActive:         true,
				ReliabilityScore: s.conf.InitialScore,
			}
			if err := s.nodeRepo.Create(ctx, node); err != nil {
				return fmt.Errorf("failed to create node %s: %w", n.ID, err)
			}
		}

		for id, node := range existingMap {
			if _, ok := seen[id]; ok || !node.IsActive {
				continue
			}
			if err := s.nodeRepo.UpdateActive(ctx, id, false); err != nil {
				return fmt.Errorf("failed to deactivate node %s: %w", id, err)
			}
			s.logger.Info("verifier node removed from directory", zap.String("node_id", id))
		}

		s.logger.Info("verifier node directory synced", zap.Int("nodes", len(nodes)))
		return nil
	})
}
