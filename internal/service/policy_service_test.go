package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dushixiang/aegis/internal/models"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var policyNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func basePolicy(owner string) models.PolicyConfig {
	return models.PolicyConfig{
		OwnerID:                  owner,
		MaxTransactionAmount:     dec("100"),
		DailySpendingCap:         dec("500"),
		CurrentDailySpend:        dec("0"),
		LastResetDate:            policyNow.Format(models.DateLayout),
		MaxPriceDeviationPercent: dec("2"),
		AllowedAddresses:         []string{},
		RiskTolerance:            0.5,
		IsActive:                 true,
	}
}

func buy(amount string) *models.TradeParams {
	return &models.TradeParams{Symbol: "BTCUSDT", Amount: dec(amount)}
}

func TestEvaluatePolicyChecksInOrder(t *testing.T) {
	last := policyNow.Add(-10 * time.Second)

	tests := []struct {
		name   string
		mutate func(p *models.PolicyConfig)
		params models.DecisionParams
		reason string
	}{
		{"accepts within limits", func(p *models.PolicyConfig) {}, buy("50"), ""},
		{"inactive wins over everything", func(p *models.PolicyConfig) {
			p.IsActive = false
			p.CurrentDailySpend = dec("500")
		}, buy("1000"), models.ReasonPolicyInactive},
		{"amount limit before daily cap", func(p *models.PolicyConfig) {
			p.CurrentDailySpend = dec("500")
		}, buy("101"), models.ReasonAmountLimitExceeded},
		{"daily cap before cooldown", func(p *models.PolicyConfig) {
			p.CurrentDailySpend = dec("480")
			p.CooldownPeriodSeconds = 60
			p.LastTradeTimestamp = &last
		}, buy("30"), models.ReasonDailyCapExceeded},
		{"cooldown", func(p *models.PolicyConfig) {
			p.CooldownPeriodSeconds = 60
			p.LastTradeTimestamp = &last
		}, buy("10"), models.ReasonCooldownActive},
		{"price deviation", func(p *models.PolicyConfig) {}, &models.TradeParams{
			Symbol: "BTCUSDT", Amount: dec("10"), QuotedPrice: dec("103"), ReferencePrice: dec("100"),
		}, models.ReasonPriceDeviationExceeded},
		{"price deviation at limit passes", func(p *models.PolicyConfig) {}, &models.TradeParams{
			Symbol: "BTCUSDT", Amount: dec("10"), QuotedPrice: dec("98"), ReferencePrice: dec("100"),
		}, ""},
		{"missing reference price skips deviation", func(p *models.PolicyConfig) {}, &models.TradeParams{
			Symbol: "BTCUSDT", Amount: dec("10"), QuotedPrice: dec("150"),
		}, ""},
		{"address not allowed", func(p *models.PolicyConfig) {
			p.AllowedAddresses = []string{"0xAbC"}
		}, &models.TradeParams{Symbol: "BTCUSDT", Amount: dec("10"), Counterparty: "0xdef"}, models.ReasonAddressNotAllowed},
		{"address compare ignores case", func(p *models.PolicyConfig) {
			p.AllowedAddresses = []string{"0xAbC"}
		}, &models.TradeParams{Symbol: "BTCUSDT", Amount: dec("10"), Counterparty: "0xabc"}, ""},
		{"empty allow-list allows any address", func(p *models.PolicyConfig) {}, &models.TradeParams{
			Symbol: "BTCUSDT", Amount: dec("10"), Counterparty: "0xdef",
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := basePolicy("alice")
			tt.mutate(&policy)
			verdict := EvaluatePolicy(policy, tt.params, policyNow, time.UTC)
			if tt.reason == "" {
				assert.True(t, verdict.Accepted, verdict.Detail)
				return
			}
			assert.False(t, verdict.Accepted)
			assert.Equal(t, tt.reason, verdict.Reason)
		})
	}
}

func TestEvaluatePolicyResetsBeforeCapCheck(t *testing.T) {
	policy := basePolicy("alice")
	policy.CurrentDailySpend = dec("500")
	policy.LastResetDate = policyNow.AddDate(0, 0, -1).Format(models.DateLayout)

	verdict := EvaluatePolicy(policy, buy("100"), policyNow, time.UTC)
	assert.True(t, verdict.Accepted)
	assert.True(t, policy.CurrentDailySpend.Equal(dec("500")), "input must not be mutated")
}

func newTestPolicyService(t *testing.T) *PolicyService {
	t.Helper()
	db := newTestDB(t)
	svc := NewPolicyService(db, NewKeyedMutex(), newTestConfig(), zap.NewNop())
	svc.now = func() time.Time { return policyNow }
	return svc
}

func TestChargeDailyCapScenario(t *testing.T) {
	svc := newTestPolicyService(t)
	ctx := context.Background()

	policy := basePolicy("alice")
	policy.CurrentDailySpend = dec("480")
	require.NoError(t, svc.PolicyConfigRepo.Create(ctx, &policy))

	verdict, err := svc.Charge(ctx, "alice", buy("30"))
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, models.ReasonDailyCapExceeded, verdict.Reason)

	stored, err := svc.GetPolicy(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.CurrentDailySpend.Equal(dec("480")), "rejection must not change spend")

	verdict, err = svc.Charge(ctx, "alice", buy("20"))
	require.NoError(t, err)
	assert.True(t, verdict.Accepted)

	stored, err = svc.GetPolicy(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.CurrentDailySpend.Equal(dec("500")), stored.CurrentDailySpend.String())
	require.NotNil(t, stored.LastTradeTimestamp)
	assert.True(t, stored.LastTradeTimestamp.Equal(policyNow))
}

func TestChargeCooldown(t *testing.T) {
	svc := newTestPolicyService(t)
	ctx := context.Background()

	policy := basePolicy("alice")
	policy.CooldownPeriodSeconds = 60
	require.NoError(t, svc.PolicyConfigRepo.Create(ctx, &policy))

	verdict, err := svc.Charge(ctx, "alice", buy("10"))
	require.NoError(t, err)
	require.True(t, verdict.Accepted)

	svc.now = func() time.Time { return policyNow.Add(30 * time.Second) }
	verdict, err = svc.Charge(ctx, "alice", buy("10"))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonCooldownActive, verdict.Reason)

	// 额度检查先于冷却
	verdict, err = svc.Charge(ctx, "alice", buy("1000"))
	require.NoError(t, err)
	assert.Equal(t, models.ReasonAmountLimitExceeded, verdict.Reason)

	svc.now = func() time.Time { return policyNow.Add(61 * time.Second) }
	verdict, err = svc.Charge(ctx, "alice", buy("10"))
	require.NoError(t, err)
	assert.True(t, verdict.Accepted)
}

func TestChargeResetsOnNewDay(t *testing.T) {
	svc := newTestPolicyService(t)
	ctx := context.Background()

	policy := basePolicy("alice")
	policy.CurrentDailySpend = dec("500")
	policy.LastResetDate = policyNow.AddDate(0, 0, -1).Format(models.DateLayout)
	require.NoError(t, svc.PolicyConfigRepo.Create(ctx, &policy))

	verdict, err := svc.Charge(ctx, "alice", buy("40"))
	require.NoError(t, err)
	require.True(t, verdict.Accepted)

	stored, err := svc.GetPolicy(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.CurrentDailySpend.Equal(dec("40")))
	assert.Equal(t, policyNow.Format(models.DateLayout), stored.LastResetDate)
}

func TestRolloverVisibleAfterRejection(t *testing.T) {
	svc := newTestPolicyService(t)
	ctx := context.Background()
	yesterday := policyNow.AddDate(0, 0, -1).Format(models.DateLayout)
	today := policyNow.Format(models.DateLayout)

	policy := basePolicy("alice")
	policy.CurrentDailySpend = dec("500")
	policy.LastResetDate = yesterday
	require.NoError(t, svc.PolicyConfigRepo.Create(ctx, &policy))

	verdict, err := svc.Charge(ctx, "alice", buy("1000"))
	require.NoError(t, err)
	require.Equal(t, models.ReasonAmountLimitExceeded, verdict.Reason)

	stored, err := svc.PolicyConfigRepo.FindByOwnerID(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.CurrentDailySpend.IsZero(), stored.CurrentDailySpend.String())
	assert.Equal(t, today, stored.LastResetDate)
}

func TestGetPolicyAppliesRollover(t *testing.T) {
	svc := newTestPolicyService(t)
	ctx := context.Background()

	policy := basePolicy("bob")
	policy.CurrentDailySpend = dec("500")
	policy.LastResetDate = policyNow.AddDate(0, 0, -1).Format(models.DateLayout)
	require.NoError(t, svc.PolicyConfigRepo.Create(ctx, &policy))

	got, err := svc.GetPolicy(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, got.CurrentDailySpend.IsZero(), got.CurrentDailySpend.String())
	assert.Equal(t, policyNow.Format(models.DateLayout), got.LastResetDate)

	stored, err := svc.PolicyConfigRepo.FindByOwnerID(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, stored.CurrentDailySpend.IsZero())

	// 同一天内再次读取不改变已用额度
	verdict, err := svc.Charge(ctx, "bob", buy("40"))
	require.NoError(t, err)
	require.True(t, verdict.Accepted)
	got, err = svc.GetPolicy(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, got.CurrentDailySpend.Equal(dec("40")))
}

func TestChargeCreatesDefaultPolicy(t *testing.T) {
	svc := newTestPolicyService(t)
	ctx := context.Background()

	policy, err := svc.GetPolicy(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, policy.IsActive)
	assert.True(t, policy.MaxTransactionAmount.Equal(dec("1000")))

	verdict, err := svc.Charge(ctx, "bob", buy("25"))
	require.NoError(t, err)
	require.True(t, verdict.Accepted)

	stored, err := svc.PolicyConfigRepo.FindByOwnerID(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, stored.CurrentDailySpend.Equal(dec("25")))
}

func TestChargeSerializesPerPrincipal(t *testing.T) {
	svc := newTestPolicyService(t)
	ctx := context.Background()

	policy := basePolicy("alice")
	policy.DailySpendingCap = dec("1000")
	require.NoError(t, svc.PolicyConfigRepo.Create(ctx, &policy))

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdict, err := svc.Charge(ctx, "alice", buy("100"))
			if assert.NoError(t, err) && verdict.Accepted {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), accepted.Load())
	stored, err := svc.GetPolicy(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, stored.CurrentDailySpend.Equal(dec("1000")))
}

func TestUpdateLimitsKeepsEngineFields(t *testing.T) {
	svc := newTestPolicyService(t)
	ctx := context.Background()

	policy := basePolicy("alice")
	policy.CurrentDailySpend = dec("120")
	require.NoError(t, svc.PolicyConfigRepo.Create(ctx, &policy))

	updated, err := svc.UpdateLimits(ctx, "alice", PolicyLimits{
		MaxTransactionAmount:     dec("10"),
		DailySpendingCap:         dec("200"),
		MaxPriceDeviationPercent: dec("1"),
		AllowedAddresses:         []string{"0xabc"},
		RiskTolerance:            0.2,
		IsActive:                 false,
	})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)
	assert.True(t, updated.CurrentDailySpend.Equal(dec("120")))

	_, err = svc.UpdateLimits(ctx, "alice", PolicyLimits{RiskTolerance: 2})
	require.Error(t, err)
}

func TestProperty_DailySpendEqualsSumOfAccepted(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	parameters.Rng.Seed(time.Now().UnixNano())
	properties := gopter.NewProperties(parameters)

	svc := newTestPolicyService(t)
	ctx := context.Background()
	var run atomic.Int64

	properties.Property("spend is the sum of accepted amounts and never exceeds the cap", prop.ForAll(
		func(amounts []int) bool {
			owner := fmt.Sprintf("owner-%d", run.Add(1))
			policy := basePolicy(owner)
			if err := svc.PolicyConfigRepo.Create(ctx, &policy); err != nil {
				return false
			}

			sum := decimal.Zero
			for _, a := range amounts {
				amount := decimal.NewFromInt(int64(a))
				verdict, err := svc.Charge(ctx, owner, buy(amount.String()))
				if err != nil {
					return false
				}
				if verdict.Accepted {
					sum = sum.Add(amount)
				}
			}

			stored, err := svc.GetPolicy(ctx, owner)
			if err != nil {
				return false
			}
			return stored.CurrentDailySpend.Equal(sum) && !stored.CurrentDailySpend.GreaterThan(stored.DailySpendingCap)
		},
		gen.SliceOf(gen.IntRange(1, 150)),
	))

	properties.TestingRun(t)
}
