package internal

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dushixiang/aegis/internal/config"
	"github.com/dushixiang/aegis/internal/handler"
	mw "github.com/dushixiang/aegis/internal/middleware"
	"github.com/dushixiang/aegis/internal/models"
	"github.com/dushixiang/aegis/internal/service"
	"github.com/dushixiang/aegis/internal/telegram"
	"github.com/dushixiang/aegis/pkg/nostd"
	"github.com/go-orz/orz"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const drainTimeout = 10 * time.Second

func Run(configPath string) error {
	app := NewAegisApp()

	framework, err := orz.NewFramework(
		orz.WithConfig(configPath),
		orz.WithLoggerFromConfig(),
		orz.WithDatabase(),
		orz.WithHTTP(),
		orz.WithApplication(app),
	)
	if err != nil {
		return err
	}

	return framework.Run()
}

func NewAegisApp() orz.Application {
	return &AegisApp{}
}

var _ orz.Application = (*AegisApp)(nil)

type AppComponents struct {
	DecisionHandler *handler.DecisionHandler
	RegistryHandler *handler.RegistryHandler

	ReliabilityService *service.ReliabilityService
	QuorumService      *service.QuorumService
	ReportService      *service.ReportService

	tg *telegram.Telegram
}

type AegisApp struct {
	components *AppComponents
	conf       *config.Config
}

// GetComponents 获取应用组件
func (r *AegisApp) GetComponents() *AppComponents {
	return r.components
}

func (r *AegisApp) Configure(app *orz.App) error {
	logger := app.Logger()
	e := app.GetEcho()
	db := app.GetDatabase()

	var conf config.Config
	err := app.GetConfig().App.Unmarshal(&conf)
	if err != nil {
		return fmt.Errorf("failed to unmarshal config: %v", err)
	}
	conf.SetDefaults()
	if conf.Verification.RequiredSignatures > conf.Verification.CommitteeSize {
		return fmt.Errorf("required_signatures %d exceeds committee_size %d",
			conf.Verification.RequiredSignatures, conf.Verification.CommitteeSize)
	}

	components, err := InitializeApp(logger, db, &conf)
	if err != nil {
		return fmt.Errorf("failed to initialize app: %v", err)
	}
	r.components = components
	r.conf = &conf

	if err := db.AutoMigrate(
		models.Decision{}, models.PolicyConfig{}, models.VerifierNode{}, models.Provider{}, models.VerificationLog{},
	); err != nil {
		logger.Fatal("database auto migrate failed", zap.Error(err))
	}

	if err := r.Init(logger); err != nil {
		logger.Fatal("app init failed", zap.Error(err))
	}

	e.HidePort = true
	e.HideBanner = true

	e.Use(middleware.Gzip())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		Skipper:      middleware.DefaultSkipper,
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete},
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			sugar := logger.Sugar()
			sugar.Error(fmt.Sprintf("[PANIC RECOVER] %v %s\n", err, stack))
			return err
		},
	}))
	e.Use(WithErrorHandler(logger))
	customValidator := nostd.CustomValidator{Validator: validator.New()}
	if err := customValidator.TransInit(); err != nil {
		logger.Sugar().Fatal("failed to init custom validator", zap.Error(err))
	}
	e.Validator = &customValidator

	rateLimit := mw.RateLimit(mw.RateLimitConfig{
		RPS:    conf.RateLimit.RPS,
		Burst:  conf.RateLimit.Burst,
		Logger: logger,
	})

	api := e.Group("/api")
	{
		r.components.DecisionHandler.RegisterRoutes(api, rateLimit)
		r.components.RegistryHandler.RegisterRoutes(api)
	}

	e.Server.RegisterOnShutdown(func() {
		r.Shutdown(logger)
	})

	return nil
}

func (r *AegisApp) Init(logger *zap.Logger) error {
	logger.Info("=================================================")
	logger.Info("Aegis Decision Verification Starting...")
	logger.Info("=================================================")

	components := r.GetComponents()
	if components == nil {
		return fmt.Errorf("components not initialized")
	}

	ctx := context.Background()
	if err := components.ReliabilityService.SyncNodes(ctx, r.conf.Nodes); err != nil {
		return fmt.Errorf("failed to sync verifier nodes: %w", err)
	}
	committee, err := components.ReliabilityService.SelectCommittee(ctx, r.conf.Verification.CommitteeSize)
	if err != nil {
		return err
	}
	if len(committee) < r.conf.Verification.RequiredSignatures {
		logger.Warn("not enough active verifier nodes to reach quorum",
			zap.Int("active_nodes", len(committee)),
			zap.Int("required_signatures", r.conf.Verification.RequiredSignatures))
	}

	if err := components.ReportService.Start(); err != nil {
		return err
	}

	if components.tg != nil {
		components.tg.SetStatus(components.ReportService.Status)
		components.tg.Start()
		logger.Info("telegram bot started")
	}
	return nil
}

// Shutdown 停止后台任务并等待仍在进行的节点请求
func (r *AegisApp) Shutdown(logger *zap.Logger) {
	components := r.GetComponents()
	if components == nil {
		return
	}
	components.ReportService.Stop()
	if components.tg != nil {
		components.tg.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := components.QuorumService.Drain(ctx); err != nil {
		logger.Warn("verifier calls still in flight at shutdown", zap.Error(err))
	}
}
