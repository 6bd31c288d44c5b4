package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DecisionParams 按决策类型区分的参数
type DecisionParams interface {
	// SpendAmount 计入每日额度的金额
	SpendAmount() decimal.Decimal
	// PriceQuote 参考价格与报价，任一缺失时 ok 为 false
	PriceQuote() (reference, quoted decimal.Decimal, ok bool)
	// CounterpartyAddress 交易对手地址，可为空
	CounterpartyAddress() string
	Validate() error
}

// TradeParams buy/sell
type TradeParams struct {
	Symbol         string          `json:"symbol"`
	Amount         decimal.Decimal `json:"amount"`
	QuotedPrice    decimal.Decimal `json:"quoted_price"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	Counterparty   string          `json:"counterparty,omitempty"`
}

func (p *TradeParams) SpendAmount() decimal.Decimal { return p.Amount }

func (p *TradeParams) PriceQuote() (decimal.Decimal, decimal.Decimal, bool) {
	if !p.ReferencePrice.IsPositive() || !p.QuotedPrice.IsPositive() {
		return decimal.Zero, decimal.Zero, false
	}
	return p.ReferencePrice, p.QuotedPrice, true
}

func (p *TradeParams) CounterpartyAddress() string { return p.Counterparty }

func (p *TradeParams) Validate() error {
	if strings.TrimSpace(p.Symbol) == "" {
		return errors.New("symbol is required")
	}
	if !p.Amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	if p.QuotedPrice.IsNegative() || p.ReferencePrice.IsNegative() {
		return errors.New("prices must not be negative")
	}
	return nil
}

// HoldParams 持有不动，不占用额度
type HoldParams struct {
	Symbol string `json:"symbol,omitempty"`
}

func (p *HoldParams) SpendAmount() decimal.Decimal { return decimal.Zero }

func (p *HoldParams) PriceQuote() (decimal.Decimal, decimal.Decimal, bool) {
	return decimal.Zero, decimal.Zero, false
}

func (p *HoldParams) CounterpartyAddress() string { return "" }

func (p *HoldParams) Validate() error { return nil }

// RebalanceParams 调仓
type RebalanceParams struct {
	Amount       decimal.Decimal            `json:"amount"`  // 调仓涉及的名义金额
	Targets      map[string]decimal.Decimal `json:"targets"` // 目标权重，合计为1
	Counterparty string                     `json:"counterparty,omitempty"`
}

var weightTolerance = decimal.New(1, -6)

func (p *RebalanceParams) SpendAmount() decimal.Decimal { return p.Amount }

func (p *RebalanceParams) PriceQuote() (decimal.Decimal, decimal.Decimal, bool) {
	return decimal.Zero, decimal.Zero, false
}

func (p *RebalanceParams) CounterpartyAddress() string { return p.Counterparty }

func (p *RebalanceParams) Validate() error {
	if p.Amount.IsNegative() {
		return errors.New("amount must not be negative")
	}
	if len(p.Targets) == 0 {
		return errors.New("targets are required")
	}
	sum := decimal.Zero
	for symbol, weight := range p.Targets {
		if weight.IsNegative() {
			return fmt.Errorf("weight of %s must not be negative", symbol)
		}
		sum = sum.Add(weight)
	}
	if sum.Sub(decimal.NewFromInt(1)).Abs().GreaterThan(weightTolerance) {
		return fmt.Errorf("target weights sum to %s, want 1", sum.String())
	}
	return nil
}

// APIPurchaseParams 按次付费的外部服务调用
type APIPurchaseParams struct {
	ProviderID     string          `json:"provider_id,omitempty"`
	Calls          int             `json:"calls"`
	MaxCostPerCall decimal.Decimal `json:"max_cost_per_call"`
	MaxLatencyMs   float64         `json:"max_latency_ms,omitempty"`
	// 由选中的服务商计算得出: cost_per_call * calls
	Amount   decimal.Decimal `json:"amount"`
	Endpoint string          `json:"endpoint,omitempty"`
}

func (p *APIPurchaseParams) SpendAmount() decimal.Decimal { return p.Amount }

func (p *APIPurchaseParams) PriceQuote() (decimal.Decimal, decimal.Decimal, bool) {
	return decimal.Zero, decimal.Zero, false
}

func (p *APIPurchaseParams) CounterpartyAddress() string { return "" }

func (p *APIPurchaseParams) Validate() error {
	if p.Calls <= 0 {
		return errors.New("calls must be positive")
	}
	if p.MaxCostPerCall.IsNegative() || p.MaxLatencyMs < 0 {
		return errors.New("criteria must not be negative")
	}
	return nil
}

// Bind 使用选中的服务商计算金额
func (p *APIPurchaseParams) Bind(provider *Provider) {
	p.ProviderID = provider.ID
	p.Endpoint = provider.Endpoint
	p.Amount = provider.CostPerCall.Mul(decimal.NewFromInt(int64(p.Calls)))
}

// NewDecisionParams 返回对应类型的空参数
func NewDecisionParams(t DecisionType) (DecisionParams, error) {
	switch t {
	case DecisionTypeBuy, DecisionTypeSell:
		return &TradeParams{}, nil
	case DecisionTypeHold:
		return &HoldParams{}, nil
	case DecisionTypeRebalance:
		return &RebalanceParams{}, nil
	case DecisionTypePurchaseAPI:
		return &APIPurchaseParams{}, nil
	}
	return nil, fmt.Errorf("unknown decision type %q", t)
}

// DecodeDecisionParams 在边界处按类型解码并校验参数
func DecodeDecisionParams(t DecisionType, raw []byte) (DecisionParams, error) {
	params, err := NewDecisionParams(t)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, params); err != nil {
			return nil, fmt.Errorf("decode %s parameters: %w", t, err)
		}
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s parameters: %w", t, err)
	}
	return params, nil
}
