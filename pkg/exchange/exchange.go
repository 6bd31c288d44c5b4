package exchange

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var ErrNoPrice = errors.New("no price data")

// PriceOracle 参考价格来源，用于价格偏离检查
type PriceOracle interface {
	ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// StaticOracle 固定价格表，未配置交易所时使用
type StaticOracle map[string]decimal.Decimal

func (s StaticOracle) ReferencePrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	price, ok := s[symbol]
	if !ok || !price.IsPositive() {
		return decimal.Zero, ErrNoPrice
	}
	return price, nil
}
