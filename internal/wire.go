//go:build wireinject
// +build wireinject

package internal

import (
	"github.com/google/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dushixiang/aegis/internal/config"
	"github.com/dushixiang/aegis/internal/handler"
	"github.com/dushixiang/aegis/internal/service"
)

var (
	handlerSet = wire.NewSet(
		handler.NewDecisionHandler,
		handler.NewRegistryHandler,
	)

	verificationSet = wire.NewSet(
		provideRandomSource,
		provideNodeClient,
		providePriceOracle,
		providePrincipalLocker,
		provideExecutor,
		service.NewMetrics,
		service.NewPolicyService,
		service.NewReliabilityService,
		wire.Bind(new(service.OutcomeRecorder), new(*service.ReliabilityService)),
		service.NewQuorumService,
		service.NewDecisionService,
		service.NewReportService,
	)
)

// InitializeApp 初始化应用
func InitializeApp(logger *zap.Logger, db *gorm.DB, conf *config.Config) (*AppComponents, error) {
	wire.Build(
		handlerSet,
		verificationSet,
		provideTelegram,
		provideNotifier,
		wire.Struct(new(AppComponents), "*"),
	)
	return nil, nil
}
