package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const priceCacheTTL = 3 * time.Second

// BinanceClient Binance期货行情客户端，只读取价格
type BinanceClient struct {
	client    *futures.Client
	cache     map[string]cachedPrice
	cacheLock sync.RWMutex
}

type cachedPrice struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// NewBinanceClient 创建Binance客户端
func NewBinanceClient(apiKey, secretKey, proxyURL string, testnet bool) *BinanceClient {
	var client *futures.Client
	if proxyURL != "" {
		client = futures.NewProxiedClient(apiKey, secretKey, proxyURL)
	} else {
		client = futures.NewClient(apiKey, secretKey)
	}

	if testnet {
		// 测试网URL
		futures.UseTestnet = true
	}

	return &BinanceClient{
		client: client,
		cache:  make(map[string]cachedPrice),
	}
}

// ReferencePrice 获取当前价格，短时间内复用缓存
func (b *BinanceClient) ReferencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(symbol)

	b.cacheLock.RLock()
	cached, ok := b.cache[symbol]
	b.cacheLock.RUnlock()
	if ok && time.Since(cached.fetchedAt) < priceCacheTTL {
		return cached.price, nil
	}

	prices, err := b.client.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to get current price: %w", err)
	}
	if len(prices) == 0 {
		return decimal.Zero, fmt.Errorf("%w for symbol %s", ErrNoPrice, symbol)
	}

	price, err := decimal.NewFromString(prices[0].Price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse price %q: %w", prices[0].Price, err)
	}

	b.cacheLock.Lock()
	b.cache[symbol] = cachedPrice{price: price, fetchedAt: time.Now()}
	b.cacheLock.Unlock()
	return price, nil
}
