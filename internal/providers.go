package internal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dushixiang/aegis/internal/config"
	"github.com/dushixiang/aegis/internal/service"
	"github.com/dushixiang/aegis/internal/telegram"
	"github.com/dushixiang/aegis/pkg/attest"
	"github.com/dushixiang/aegis/pkg/exchange"
	"github.com/dushixiang/aegis/pkg/nostd"
	"github.com/dushixiang/aegis/pkg/settlement"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	telegramHTTPTimeout = 10 * time.Second
	redisPingTimeout    = 3 * time.Second
)

// provideTelegram provides telegram instance
func provideTelegram(logger *zap.Logger, conf *config.Config) *telegram.Telegram {
	if !conf.Telegram.Enabled {
		return nil
	}

	httpClient := &http.Client{Timeout: telegramHTTPTimeout}

	tg, err := telegram.NewTelegram(logger, telegram.Settings{
		Token:  conf.Telegram.Token,
		ChatID: conf.Telegram.ChatID,
		Client: httpClient,
	})
	if err != nil {
		logger.Error("failed to init telegram", zap.Error(err))
		return nil
	}

	return tg
}

// provideNotifier 未启用机器人时返回 nil，服务使用空实现
func provideNotifier(tg *telegram.Telegram) service.Notifier {
	if tg == nil {
		return nil
	}
	return tg
}

// providePriceOracle provides Binance reference prices
func providePriceOracle(conf *config.Config, logger *zap.Logger) exchange.PriceOracle {
	if !conf.Binance.Enabled {
		logger.Info("reference price oracle disabled")
		return nil
	}
	client := exchange.NewBinanceClient(
		conf.Binance.APIKey,
		conf.Binance.Secret,
		conf.Binance.ProxyURL,
		conf.Binance.Testnet,
	)

	logger.Info("Binance price oracle initialized",
		zap.Bool("testnet", conf.Binance.Testnet),
		zap.Bool("has_proxy", conf.Binance.ProxyURL != ""),
	)
	return client
}

func provideRandomSource() nostd.RandomSource {
	return nostd.CryptoRandom{}
}

// provideNodeClient 单次请求的上限为超时加迟到宽限
func provideNodeClient(conf *config.Config) attest.NodeClient {
	timeout := conf.Verification.Timeout() + conf.Verification.LateGrace()
	return attest.NewHTTPNodeClient(&http.Client{Timeout: timeout})
}

// providePrincipalLocker 配置了 redis 时使用分布式锁，多实例部署共享同一主体的串行化
func providePrincipalLocker(conf *config.Config, random nostd.RandomSource, logger *zap.Logger) (service.PrincipalLocker, error) {
	if conf.Redis.Addr == "" {
		return service.NewKeyedMutex(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Addr,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect redis %s: %w", conf.Redis.Addr, err)
	}

	logger.Info("redis principal lock enabled", zap.String("addr", conf.Redis.Addr))
	ttl := time.Duration(conf.Redis.LockTTLMs) * time.Millisecond
	return service.NewRedisLocker(client, random, ttl, logger), nil
}

func provideExecutor(conf *config.Config, random nostd.RandomSource, logger *zap.Logger) settlement.Executor {
	initial := decimal.NewFromFloat(conf.Settlement.InitialBalance)
	logger.Info("paper settlement ledger initialized",
		zap.String("ledger", conf.Settlement.Ledger),
		zap.String("initial_balance", initial.String()))
	return settlement.NewPaperLedger(conf.Settlement.Ledger, initial, random, logger)
}
