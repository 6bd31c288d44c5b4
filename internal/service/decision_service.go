package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dushixiang/aegis/internal/config"
	"github.com/dushixiang/aegis/internal/models"
	"github.com/dushixiang/aegis/internal/repo"
	"github.com/dushixiang/aegis/internal/xe"
	"github.com/dushixiang/aegis/pkg/attest"
	"github.com/dushixiang/aegis/pkg/exchange"
	"github.com/dushixiang/aegis/pkg/nostd"
	"github.com/dushixiang/aegis/pkg/settlement"
	"github.com/go-orz/orz"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SubmitRequest 提交待验证的决策
type SubmitRequest struct {
	OwnerID     string              `json:"owner_id" validate:"required,max=64"`
	Type        models.DecisionType `json:"type" validate:"required,oneof=buy sell hold rebalance purchase_api"`
	Parameters  json.RawMessage     `json:"parameters"`
	Rationale   string              `json:"rationale"`
	Analysis    json.RawMessage     `json:"analysis,omitempty"`
	PQSignature string              `json:"pq_signature,omitempty"`
}

// DecisionResult 提交结果
type DecisionResult struct {
	Decision        models.Decision         `json:"decision"`
	VerificationLog *models.VerificationLog `json:"verification_log,omitempty"`
}

// DecisionService 决策生命周期管理
type DecisionService struct {
	logger *zap.Logger

	*orz.Service
	*repo.DecisionRepo
	logRepo *repo.VerificationLogRepo

	policy      *PolicyService
	reliability *ReliabilityService
	quorum      *QuorumService
	executor    settlement.Executor
	oracle      exchange.PriceOracle
	random      nostd.RandomSource
	notifier    Notifier
	metrics     *Metrics

	verification config.VerificationConf
}

// NewDecisionService 创建决策服务，oracle 与 notifier 可为空
func NewDecisionService(db *gorm.DB, conf *config.Config, policy *PolicyService, reliability *ReliabilityService,
	quorum *QuorumService, executor settlement.Executor, oracle exchange.PriceOracle, random nostd.RandomSource,
	notifier Notifier, metrics *Metrics, logger *zap.Logger) *DecisionService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &DecisionService{
		logger:       logger,
		Service:      orz.NewService(db),
		DecisionRepo: repo.NewDecisionRepo(db),
		logRepo:      repo.NewVerificationLogRepo(db),
		policy:       policy,
		reliability:  reliability,
		quorum:       quorum,
		executor:     executor,
		oracle:       oracle,
		random:       random,
		notifier:     notifier,
		metrics:      metrics,
		verification: conf.Verification,
	}
}

// Submit 执行 策略检查 -> 签名收集 -> 结算，每个决策只验证一次
func (s *DecisionService) Submit(ctx context.Context, req SubmitRequest) (*DecisionResult, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown decision type %q", xe.ErrInvalidParams, req.Type)
	}
	params, err := models.DecodeDecisionParams(req.Type, req.Parameters)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", xe.ErrInvalidParams, err.Error())
	}

	decision := &models.Decision{
		ID:          ulid.Make().String(),
		OwnerID:     req.OwnerID,
		Type:        req.Type,
		Status:      models.DecisionStatusPending,
		Rationale:   req.Rationale,
		Analysis:    []byte(req.Analysis),
		PQSignature: req.PQSignature,
	}
	if err := decision.SetParams(params); err != nil {
		return nil, err
	}
	if err := s.DecisionRepo.Create(ctx, decision); err != nil {
		return nil, fmt.Errorf("failed to create decision: %w", err)
	}

	logger := s.logger.With(zap.String("decision_id", decision.ID), zap.String("owner_id", decision.OwnerID))
	logger.Info("decision created", zap.String("type", string(decision.Type)))

	// 终态写入不受调用方取消影响
	persistCtx := context.WithoutCancel(ctx)

	if purchase, ok := params.(*models.APIPurchaseParams); ok {
		provider, err := s.resolveProvider(ctx, purchase)
		if err != nil {
			if errors.Is(err, xe.ErrNoEligibleProvider) {
				result := models.VerificationResult{Stage: models.ResultStageProvider, Reason: models.ReasonNoEligibleProvider, Detail: err.Error()}
				if ferr := s.reject(persistCtx, logger, decision, result, nil); ferr != nil {
					return nil, ferr
				}
				return &DecisionResult{Decision: *decision}, err
			}
			return nil, err
		}
		purchase.Bind(&provider)
		if err := decision.SetParams(purchase); err != nil {
			return nil, err
		}
	}

	s.fillReferencePrice(ctx, logger, params)

	verdict, err := s.policy.Charge(ctx, decision.OwnerID, params)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if !verdict.Accepted {
		result := models.VerificationResult{Stage: models.ResultStagePolicy, Reason: verdict.Reason, Detail: verdict.Detail}
		if err := s.reject(persistCtx, logger, decision, result, nil); err != nil {
			return nil, err
		}
		return &DecisionResult{Decision: *decision}, nil
	}

	if err := s.transition(persistCtx, logger, decision, models.DecisionStatusVerifying); err != nil {
		return nil, err
	}

	log, err := s.verify(ctx, decision)
	if err != nil {
		reason := models.ReasonConsensusNotReached
		if errors.Is(err, xe.ErrEmptyCommittee) || errors.Is(err, xe.ErrCommitteeTooSmall) {
			reason = models.ReasonCommitteeUnavailable
		}
		result := models.VerificationResult{Stage: models.ResultStageConsensus, Reason: reason, Detail: err.Error()}
		if ferr := s.reject(persistCtx, logger, decision, result, nil); ferr != nil {
			return nil, ferr
		}
		return &DecisionResult{Decision: *decision}, err
	}

	result := models.VerificationResult{
		Stage:              models.ResultStageConsensus,
		VerificationID:     log.VerificationID,
		RoundStatus:        log.RoundStatus,
		ConsensusReached:   log.ConsensusReached,
		SignatureCount:     log.SignatureCount,
		RequiredSignatures: log.RequiredSignatures,
	}
	if !log.ConsensusReached {
		result.Reason = models.ReasonConsensusNotReached
		result.Detail = fmt.Sprintf("%d of %d signatures, round %s", log.SignatureCount, log.RequiredSignatures, log.RoundStatus)
		if err := s.reject(persistCtx, logger, decision, result, log); err != nil {
			return nil, err
		}
		return &DecisionResult{Decision: *decision, VerificationLog: log}, nil
	}

	if err := decision.SetResult(result); err != nil {
		return nil, err
	}
	if err := s.transition(persistCtx, logger, decision, models.DecisionStatusVerified); err != nil {
		return nil, err
	}

	if err := s.settle(ctx, persistCtx, logger, decision, params, log, result); err != nil {
		return nil, err
	}
	return &DecisionResult{Decision: *decision, VerificationLog: log}, nil
}

func (s *DecisionService) resolveProvider(ctx context.Context, purchase *models.APIPurchaseParams) (models.Provider, error) {
	criteria := ProviderCriteria{MaxCostPerCall: purchase.MaxCostPerCall, MaxLatencyMs: purchase.MaxLatencyMs}
	if purchase.ProviderID != "" {
		return s.reliability.CheckProvider(ctx, purchase.ProviderID, criteria)
	}
	return s.reliability.SelectProvider(ctx, criteria)
}

// fillReferencePrice 缺少参考价格时从行情补全，失败则跳过价格检查
func (s *DecisionService) fillReferencePrice(ctx context.Context, logger *zap.Logger, params models.DecisionParams) {
	trade, ok := params.(*models.TradeParams)
	if !ok || s.oracle == nil || trade.ReferencePrice.IsPositive() || !trade.QuotedPrice.IsPositive() {
		return
	}
	price, err := s.oracle.ReferencePrice(ctx, trade.Symbol)
	if err != nil {
		logger.Warn("reference price unavailable", zap.String("symbol", trade.Symbol), zap.Error(err))
		return
	}
	trade.ReferencePrice = price
	logger.Debug("reference price filled", zap.String("symbol", trade.Symbol), zap.String("price", price.String()))
}

func (s *DecisionService) verify(ctx context.Context, decision *models.Decision) (*models.VerificationLog, error) {
	committee, err := s.reliability.SelectCommittee(ctx, s.verification.CommitteeSize)
	if err != nil {
		return nil, fmt.Errorf("select committee: %w", err)
	}
	nonce, err := nostd.RandomHex(s.random, 16)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	hash, err := attest.Hash(attest.Digest{
		DecisionID: decision.ID,
		OwnerID:    decision.OwnerID,
		Type:       string(decision.Type),
		Parameters: json.RawMessage(decision.Parameters),
		Rationale:  decision.Rationale,
		Nonce:      nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("hash decision: %w", err)
	}
	return s.quorum.Verify(ctx, RoundRequest{
		DecisionID:         decision.ID,
		OwnerID:            decision.OwnerID,
		RequestType:        decision.Type,
		RequestHash:        hash,
		RequiredSignatures: s.verification.RequiredSignatures,
		Committee:          committee,
		Timeout:            s.verification.Timeout(),
	})
}

func (s *DecisionService) settle(ctx, persistCtx context.Context, logger *zap.Logger, decision *models.Decision,
	params models.DecisionParams, log *models.VerificationLog, result models.VerificationResult) error {

	start := time.Now()
	txRef, err := s.executor.Execute(ctx, settlement.Request{
		DecisionID:     decision.ID,
		OwnerID:        decision.OwnerID,
		Type:           string(decision.Type),
		Amount:         params.SpendAmount(),
		Counterparty:   params.CounterpartyAddress(),
		VerificationID: log.VerificationID,
		RequestHash:    log.RequestHash,
		SignatureCount: log.SignatureCount,
	})
	latencyMs := float64(time.Since(start).Microseconds()) / 1000

	if purchase, ok := params.(*models.APIPurchaseParams); ok {
		if rerr := s.reliability.RecordOutcome(persistCtx, EntityProvider, purchase.ProviderID, err == nil, latencyMs); rerr != nil {
			logger.Error("failed to record provider outcome", zap.String("provider_id", purchase.ProviderID), zap.Error(rerr))
		}
	}

	if err != nil {
		result.Stage = models.ResultStageSettlement
		result.Reason = models.ReasonSettlementFailed
		result.Detail = err.Error()
		if serr := decision.SetResult(result); serr != nil {
			return serr
		}
		if terr := decision.TransitionTo(models.DecisionStatusFailed); terr != nil {
			return fmt.Errorf("%w: %s", xe.ErrIllegalTransition, terr.Error())
		}
		if ferr := s.finish(persistCtx, decision, log); ferr != nil {
			return ferr
		}
		s.metrics.RecordDecision(ctx, string(decision.Status), result.Reason)
		logger.Error("settlement failed", zap.String("verification_id", log.VerificationID), zap.Error(err))
		if nerr := s.notifier.Notify(fmt.Sprintf("settlement of decision %s failed: %v", decision.ID, err)); nerr != nil {
			logger.Warn("failed to notify settlement failure", zap.Error(nerr))
		}
		return nil
	}

	decision.SettlementRef = txRef
	log.SettlementTxHash = txRef
	if err := decision.TransitionTo(models.DecisionStatusExecuted); err != nil {
		return fmt.Errorf("%w: %s", xe.ErrIllegalTransition, err.Error())
	}
	if err := s.finish(persistCtx, decision, log); err != nil {
		// 结算已完成但终态未落库，记录足够的信息用于人工对账
		logger.Error("settlement executed but decision not persisted",
			zap.String("verification_id", log.VerificationID),
			zap.String("request_hash", log.RequestHash),
			zap.String("tx_ref", txRef),
			zap.Int("signature_count", log.SignatureCount),
			zap.Error(err))
		return err
	}
	s.metrics.RecordDecision(ctx, string(decision.Status), "")
	logger.Info("decision executed",
		zap.String("verification_id", log.VerificationID),
		zap.String("tx_ref", txRef),
		zap.Int("signature_count", log.SignatureCount))
	return nil
}

func (s *DecisionService) transition(ctx context.Context, logger *zap.Logger, decision *models.Decision, next models.DecisionStatus) error {
	prev := decision.Status
	if err := decision.TransitionTo(next); err != nil {
		return fmt.Errorf("%w: %s", xe.ErrIllegalTransition, err.Error())
	}
	if err := s.DecisionRepo.Save(ctx, decision); err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	logger.Info("decision status changed", zap.String("from", string(prev)), zap.String("to", string(next)))
	return nil
}

func (s *DecisionService) reject(ctx context.Context, logger *zap.Logger, decision *models.Decision,
	result models.VerificationResult, log *models.VerificationLog) error {
	if err := decision.SetResult(result); err != nil {
		return err
	}
	prev := decision.Status
	if err := decision.TransitionTo(models.DecisionStatusRejected); err != nil {
		return fmt.Errorf("%w: %s", xe.ErrIllegalTransition, err.Error())
	}
	if err := s.finish(ctx, decision, log); err != nil {
		return err
	}
	s.metrics.RecordDecision(ctx, string(decision.Status), result.Reason)
	logger.Info("decision rejected",
		zap.String("from", string(prev)),
		zap.String("stage", string(result.Stage)),
		zap.String("reason", result.Reason),
		zap.String("detail", result.Detail))
	return nil
}

// finish 在同一事务中写入验证记录与决策终态，验证记录只写一次
func (s *DecisionService) finish(ctx context.Context, decision *models.Decision, log *models.VerificationLog) error {
	err := s.Transaction(ctx, func(ctx context.Context) error {
		if log != nil {
			if err := s.logRepo.Create(ctx, log); err != nil {
				return fmt.Errorf("failed to create verification log: %w", err)
			}
		}
		return s.DecisionRepo.Save(ctx, decision)
	})
	if err != nil {
		return fmt.Errorf("failed to persist decision %s: %w", decision.ID, err)
	}
	return nil
}

// GetDecision 查询决策
func (s *DecisionService) GetDecision(ctx context.Context, id string) (models.Decision, error) {
	decision, err := s.DecisionRepo.FindById(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decision, xe.ErrDecisionNotFound
	}
	return decision, err
}

// GetVerificationLog 查询决策的验证记录，未验证过返回 ErrVerificationLogNotFound
func (s *DecisionService) GetVerificationLog(ctx context.Context, decisionID string) (models.VerificationLog, error) {
	log, err := s.logRepo.FindByDecisionID(ctx, decisionID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return log, xe.ErrVerificationLogNotFound
	}
	return log, err
}

// ListDecisions 最近的决策
func (s *DecisionService) ListDecisions(ctx context.Context, ownerID string, limit int) ([]models.Decision, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.DecisionRepo.FindRecentDecisions(ctx, ownerID, limit)
}
