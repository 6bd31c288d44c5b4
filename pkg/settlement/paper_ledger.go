package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/dushixiang/aegis/pkg/nostd"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Entry 模拟账本中的一笔记录
type Entry struct {
	TxRef      string
	DecisionID string
	OwnerID    string
	Amount     decimal.Decimal
	Balance    decimal.Decimal
}

// PaperLedger 模拟结算账本
type PaperLedger struct {
	name   string
	logger *zap.Logger
	random nostd.RandomSource

	initialBalance decimal.Decimal // 为0表示不限制余额
	balances       map[string]decimal.Decimal
	entries        []Entry
	settled        map[string]string // decision_id -> tx_ref
	mu             sync.Mutex
}

// NewPaperLedger 创建模拟账本
func NewPaperLedger(name string, initialBalance decimal.Decimal, random nostd.RandomSource, logger *zap.Logger) *PaperLedger {
	return &PaperLedger{
		name:           name,
		logger:         logger,
		random:         random,
		initialBalance: initialBalance,
		balances:       make(map[string]decimal.Decimal),
		settled:        make(map[string]string),
	}
}

func (p *PaperLedger) Execute(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if ref, ok := p.settled[req.DecisionID]; ok {
		return "", fmt.Errorf("%w: %s", ErrAlreadySettled, ref)
	}

	limited := p.initialBalance.IsPositive()
	balance, ok := p.balances[req.OwnerID]
	if !ok {
		balance = p.initialBalance
	}
	if limited && balance.LessThan(req.Amount) {
		p.logger.Warn("paper ledger rejected settlement",
			zap.String("ledger", p.name),
			zap.String("decision_id", req.DecisionID),
			zap.String("amount", req.Amount.String()),
			zap.String("balance", balance.String()))
		return "", fmt.Errorf("%w: balance %s, amount %s", ErrInsufficientFunds, balance, req.Amount)
	}

	ref, err := nostd.RandomHex(p.random, 32)
	if err != nil {
		return "", fmt.Errorf("generate tx ref: %w", err)
	}
	ref = "0x" + ref

	if limited {
		balance = balance.Sub(req.Amount)
		p.balances[req.OwnerID] = balance
	}
	p.settled[req.DecisionID] = ref
	p.entries = append(p.entries, Entry{
		TxRef:      ref,
		DecisionID: req.DecisionID,
		OwnerID:    req.OwnerID,
		Amount:     req.Amount,
		Balance:    balance,
	})

	p.logger.Info("paper ledger settled decision",
		zap.String("ledger", p.name),
		zap.String("decision_id", req.DecisionID),
		zap.String("tx_ref", ref),
		zap.String("amount", req.Amount.String()))
	return ref, nil
}

// Balance 主体当前的模拟余额
func (p *PaperLedger) Balance(ownerID string) decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	if balance, ok := p.balances[ownerID]; ok {
		return balance
	}
	return p.initialBalance
}

// Entries 返回账本记录的副本
func (p *PaperLedger) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}
