package settlement

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAlreadySettled    = errors.New("decision already settled")
)

// Request 一次结算所需的决策与共识信息
type Request struct {
	DecisionID     string
	OwnerID        string
	Type           string
	Amount         decimal.Decimal
	Counterparty   string
	VerificationID string
	RequestHash    string
	SignatureCount int
}

// Executor 外部结算执行方，每个决策最多调用一次
type Executor interface {
	Execute(ctx context.Context, req Request) (txRef string, err error)
}

// ExecutorFunc 函数适配器
type ExecutorFunc func(ctx context.Context, req Request) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
