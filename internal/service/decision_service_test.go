package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/dushixiang/aegis/internal/config"
	"github.com/dushixiang/aegis/internal/models"
	"github.com/dushixiang/aegis/internal/xe"
	"github.com/dushixiang/aegis/pkg/exchange"
	"github.com/dushixiang/aegis/pkg/nostd"
	"github.com/dushixiang/aegis/pkg/settlement"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type pipeline struct {
	db          *gorm.DB
	decisions   *DecisionService
	policy      *PolicyService
	reliability *ReliabilityService
	quorum      *QuorumService
	client      *fakeNodeClient
	ledger      *settlement.PaperLedger
	notifier    *fakeNotifier
}

type pipelineOption func(conf *config.Config, p *pipelineDeps)

type pipelineDeps struct {
	executor settlement.Executor
	oracle   exchange.PriceOracle
	logger   *zap.Logger
}

func newPipeline(t *testing.T, modes []nodeMode, opts ...pipelineOption) *pipeline {
	t.Helper()
	db := newTestDB(t)
	conf := newTestConfig()
	conf.Verification.TimeoutMs = 300

	ledger := settlement.NewPaperLedger("paper", decimal.Zero, nostd.CryptoRandom{}, zap.NewNop())
	deps := &pipelineDeps{executor: ledger, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(conf, deps)
	}

	logger := deps.logger
	notifier := &fakeNotifier{}
	committee, client := newCommittee(t, modes...)

	reliability := NewReliabilityService(db, conf, notifier, nil, logger)
	nodes := make([]config.NodeConf, 0, len(committee))
	for _, n := range committee {
		nodes = append(nodes, config.NodeConf{ID: n.ID, Address: n.Address, PublicKey: n.PublicKey})
	}
	require.NoError(t, reliability.SyncNodes(context.Background(), nodes))

	policy := NewPolicyService(db, NewKeyedMutex(), conf, logger)
	quorum := NewQuorumService(client, reliability, nostd.CryptoRandom{}, conf, nil, logger)
	decisions := NewDecisionService(db, conf, policy, reliability, quorum, deps.executor, deps.oracle,
		nostd.CryptoRandom{}, notifier, nil, logger)

	t.Cleanup(func() { drain(t, quorum) })
	return &pipeline{
		db:          db,
		decisions:   decisions,
		policy:      policy,
		reliability: reliability,
		quorum:      quorum,
		client:      client,
		ledger:      ledger,
		notifier:    notifier,
	}
}

func submitBuy(t *testing.T, p *pipeline, owner, amount string) (*DecisionResult, error) {
	t.Helper()
	params, err := json.Marshal(models.TradeParams{Symbol: "BTCUSDT", Amount: dec(amount)})
	require.NoError(t, err)
	return p.decisions.Submit(context.Background(), SubmitRequest{
		OwnerID:    owner,
		Type:       models.DecisionTypeBuy,
		Parameters: params,
		Rationale:  "momentum",
	})
}

func mustResult(t *testing.T, d models.Decision) *models.VerificationResult {
	t.Helper()
	result, err := d.Result()
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func TestSubmitExecutesAfterQuorum(t *testing.T) {
	p := newPipeline(t, repeatMode(nodeValid, 11))
	ctx := context.Background()

	res, err := submitBuy(t, p, "alice", "50")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionStatusExecuted, res.Decision.Status)
	assert.NotEmpty(t, res.Decision.SettlementRef)
	require.NotNil(t, res.VerificationLog)
	assert.Equal(t, res.Decision.SettlementRef, res.VerificationLog.SettlementTxHash)

	stored, err := p.decisions.GetDecision(ctx, res.Decision.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DecisionStatusExecuted, stored.Status)

	log, err := p.decisions.GetVerificationLog(ctx, res.Decision.ID)
	require.NoError(t, err)
	assert.True(t, log.ConsensusReached)
	assert.GreaterOrEqual(t, log.SignatureCount, 7)
	assert.Equal(t, res.Decision.SettlementRef, log.SettlementTxHash)
	assert.Equal(t, models.DecisionTypeBuy, log.RequestType)
	assert.Len(t, log.RequestHash, 64)

	result := mustResult(t, stored)
	assert.True(t, result.ConsensusReached)
	assert.Equal(t, log.VerificationID, result.VerificationID)

	policy, err := p.policy.GetPolicy(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, policy.CurrentDailySpend.Equal(dec("50")))
	assert.Len(t, p.ledger.Entries(), 1)
}

func TestSubmitRejectsWhenConsensusNotReached(t *testing.T) {
	p := newPipeline(t, concatModes(repeatMode(nodeValid, 5), repeatMode(nodeSilent, 6)))
	ctx := context.Background()

	res, err := submitBuy(t, p, "alice", "50")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionStatusRejected, res.Decision.Status)
	assert.Empty(t, res.Decision.SettlementRef)

	result := mustResult(t, res.Decision)
	assert.Equal(t, models.ReasonConsensusNotReached, result.Reason)
	assert.Equal(t, models.ResultStageConsensus, result.Stage)
	assert.Equal(t, 5, result.SignatureCount)

	log, err := p.decisions.GetVerificationLog(ctx, res.Decision.ID)
	require.NoError(t, err)
	assert.False(t, log.ConsensusReached)
	assert.Equal(t, models.RoundStatusTimedOut, log.RoundStatus)
	assert.Empty(t, p.ledger.Entries())

	// 额度在策略通过时预占，共识失败不回滚
	policy, err := p.policy.GetPolicy(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, policy.CurrentDailySpend.Equal(dec("50")))
}

func TestSubmitPolicyRejectionSkipsVerification(t *testing.T) {
	p := newPipeline(t, repeatMode(nodeValid, 11))
	ctx := context.Background()

	res, err := submitBuy(t, p, "alice", "5000")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionStatusRejected, res.Decision.Status)
	result := mustResult(t, res.Decision)
	assert.Equal(t, models.ResultStagePolicy, result.Stage)
	assert.Equal(t, models.ReasonAmountLimitExceeded, result.Reason)
	assert.Nil(t, res.VerificationLog)

	_, err = p.decisions.GetVerificationLog(ctx, res.Decision.ID)
	require.ErrorIs(t, err, xe.ErrVerificationLogNotFound)
	assert.Equal(t, 0, p.client.callCount("node-01"))
}

func TestSubmitLogsTxRefWhenPersistFails(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	var db *gorm.DB
	executor := settlement.ExecutorFunc(func(ctx context.Context, req settlement.Request) (string, error) {
		if err := db.Migrator().DropTable(&models.VerificationLog{}); err != nil {
			return "", err
		}
		return "0xabc", nil
	})
	p := newPipeline(t, repeatMode(nodeValid, 11), func(conf *config.Config, deps *pipelineDeps) {
		deps.executor = executor
		deps.logger = zap.New(core)
	})
	db = p.db

	res, err := submitBuy(t, p, "alice", "50")
	require.Error(t, err)
	assert.Nil(t, res)

	entries := logs.FilterMessage("settlement executed but decision not persisted").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "0xabc", fields["tx_ref"])
	assert.NotEmpty(t, fields["verification_id"])
	assert.NotEmpty(t, fields["request_hash"])
}

func TestSubmitSettlementFailure(t *testing.T) {
	failing := settlement.ExecutorFunc(func(ctx context.Context, req settlement.Request) (string, error) {
		return "", errors.New("ledger unavailable")
	})
	p := newPipeline(t, repeatMode(nodeValid, 11), func(conf *config.Config, deps *pipelineDeps) {
		deps.executor = failing
	})
	ctx := context.Background()

	res, err := submitBuy(t, p, "alice", "50")
	require.NoError(t, err)
	assert.Equal(t, models.DecisionStatusFailed, res.Decision.Status)
	result := mustResult(t, res.Decision)
	assert.Equal(t, models.ReasonSettlementFailed, result.Reason)
	assert.Equal(t, models.ResultStageSettlement, result.Stage)
	assert.True(t, result.ConsensusReached)

	log, err := p.decisions.GetVerificationLog(ctx, res.Decision.ID)
	require.NoError(t, err)
	assert.True(t, log.ConsensusReached)
	assert.Empty(t, log.SettlementTxHash)
	assert.Equal(t, 1, p.notifier.count())
}

func TestSubmitWithoutCommittee(t *testing.T) {
	p := newPipeline(t, nil)

	res, err := submitBuy(t, p, "alice", "50")
	require.ErrorIs(t, err, xe.ErrEmptyCommittee)
	require.NotNil(t, res)
	assert.Equal(t, models.DecisionStatusRejected, res.Decision.Status)
	assert.Equal(t, models.ReasonCommitteeUnavailable, mustResult(t, res.Decision).Reason)
}

func TestSubmitPurchaseAPI(t *testing.T) {
	p := newPipeline(t, repeatMode(nodeValid, 11))
	ctx := context.Background()

	provider, err := p.reliability.RegisterProvider(ctx, ProviderRegistration{
		Name: "geo", Endpoint: "https://geo.example.com", CostPerCall: dec("0.05"),
	})
	require.NoError(t, err)

	params, err := json.Marshal(models.APIPurchaseParams{Calls: 10})
	require.NoError(t, err)
	res, err := p.decisions.Submit(ctx, SubmitRequest{OwnerID: "alice", Type: models.DecisionTypePurchaseAPI, Parameters: params})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionStatusExecuted, res.Decision.Status)

	decoded, err := res.Decision.Params()
	require.NoError(t, err)
	purchase := decoded.(*models.APIPurchaseParams)
	assert.Equal(t, provider.ID, purchase.ProviderID)
	assert.True(t, purchase.Amount.Equal(dec("0.5")))

	stored, err := p.reliability.providerRepo.FindByProviderID(ctx, provider.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.TotalCalls)
	assert.Equal(t, int64(1), stored.SuccessfulCalls)
}

func TestSubmitPurchaseAPIWithoutProvider(t *testing.T) {
	p := newPipeline(t, repeatMode(nodeValid, 11))

	params, err := json.Marshal(models.APIPurchaseParams{Calls: 1})
	require.NoError(t, err)
	res, err := p.decisions.Submit(context.Background(), SubmitRequest{OwnerID: "alice", Type: models.DecisionTypePurchaseAPI, Parameters: params})
	require.ErrorIs(t, err, xe.ErrNoEligibleProvider)
	require.NotNil(t, res)
	assert.Equal(t, models.DecisionStatusRejected, res.Decision.Status)
	assert.Equal(t, models.ReasonNoEligibleProvider, mustResult(t, res.Decision).Reason)
}

func TestSubmitFillsReferencePrice(t *testing.T) {
	oracle := exchange.StaticOracle{"BTCUSDT": dec("100")}
	p := newPipeline(t, repeatMode(nodeValid, 11), func(conf *config.Config, deps *pipelineDeps) {
		deps.oracle = oracle
	})

	params, err := json.Marshal(models.TradeParams{Symbol: "BTCUSDT", Amount: dec("10"), QuotedPrice: dec("110")})
	require.NoError(t, err)
	res, err := p.decisions.Submit(context.Background(), SubmitRequest{OwnerID: "alice", Type: models.DecisionTypeBuy, Parameters: params})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionStatusRejected, res.Decision.Status)
	assert.Equal(t, models.ReasonPriceDeviationExceeded, mustResult(t, res.Decision).Reason)
}

func TestSubmitRejectsInvalidParameters(t *testing.T) {
	p := newPipeline(t, repeatMode(nodeValid, 11))
	ctx := context.Background()

	_, err := p.decisions.Submit(ctx, SubmitRequest{OwnerID: "alice", Type: models.DecisionTypeBuy, Parameters: json.RawMessage(`{"symbol":""}`)})
	require.ErrorIs(t, err, xe.ErrInvalidParams)

	_, err = p.decisions.Submit(ctx, SubmitRequest{OwnerID: "alice", Type: "short"})
	require.ErrorIs(t, err, xe.ErrInvalidParams)

	list, err := p.decisions.ListDecisions(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestExecutedDecisionsAlwaysHaveConsensus(t *testing.T) {
	modes := concatModes(repeatMode(nodeValid, 7), repeatMode(nodeInvalid, 2), repeatMode(nodeError, 2))
	p := newPipeline(t, modes)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := submitBuy(t, p, "alice", "10")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	decisions, err := p.decisions.ListDecisions(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, decisions, 5)
	for _, d := range decisions {
		if d.Status != models.DecisionStatusExecuted {
			continue
		}
		log, err := p.decisions.GetVerificationLog(ctx, d.ID)
		require.NoError(t, err)
		assert.True(t, log.ConsensusReached)
	}
}
