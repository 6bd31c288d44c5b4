package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dushixiang/aegis/internal/config"
	"github.com/dushixiang/aegis/internal/repo"
	"github.com/robfig/cron/v3"
	"github.com/valyala/fasttemplate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const digestTemplate = `aegis daily digest ({{since}} - {{until}})
decisions: {{decisions}}
quorum rounds: {{rounds}}, consensus reached: {{reached}}, not reached: {{not_reached}}
mean consensus latency: {{latency}} ms
blacklisted providers: {{blacklisted}}`

// ReportService 每日汇总
type ReportService struct {
	logger      *zap.Logger
	conf        config.ReportConf
	loc         *time.Location
	decisions   *repo.DecisionRepo
	logs        *repo.VerificationLogRepo
	reliability *ReliabilityService
	notifier    Notifier

	mu   sync.Mutex
	cron *cron.Cron
}

// NewReportService 创建汇总服务
func NewReportService(db *gorm.DB, conf *config.Config, reliability *ReliabilityService, notifier Notifier, logger *zap.Logger) *ReportService {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &ReportService{
		logger:      logger,
		conf:        conf.Report,
		loc:         conf.Policy.Location(),
		decisions:   repo.NewDecisionRepo(db),
		logs:        repo.NewVerificationLogRepo(db),
		reliability: reliability,
		notifier:    notifier,
	}
}

// BuildDigest 汇总 until 之前24小时的数据
func (r *ReportService) BuildDigest(ctx context.Context, until time.Time) (string, error) {
	since := until.Add(-24 * time.Hour)

	counts, err := r.decisions.CountByStatusSince(ctx, since)
	if err != nil {
		return "", fmt.Errorf("count decisions: %w", err)
	}
	stats, err := r.logs.StatsSince(ctx, since)
	if err != nil {
		return "", fmt.Errorf("round stats: %w", err)
	}
	blacklisted, err := r.reliability.ListBlacklisted(ctx)
	if err != nil {
		return "", fmt.Errorf("list blacklisted providers: %w", err)
	}

	decisions := "none"
	if len(counts) > 0 {
		parts := make([]string, 0, len(counts))
		for _, c := range counts {
			parts = append(parts, fmt.Sprintf("%s=%d", c.Status, c.Count))
		}
		decisions = strings.Join(parts, ", ")
	}
	names := "none"
	if len(blacklisted) > 0 {
		parts := make([]string, 0, len(blacklisted))
		for _, p := range blacklisted {
			parts = append(parts, p.Name)
		}
		names = strings.Join(parts, ", ")
	}

	tmpl := fasttemplate.New(digestTemplate, "{{", "}}")
	return tmpl.ExecuteString(map[string]interface{}{
		"since":       since.In(r.loc).Format(time.DateTime),
		"until":       until.In(r.loc).Format(time.DateTime),
		"decisions":   decisions,
		"rounds":      fmt.Sprintf("%d", stats.Total),
		"reached":     fmt.Sprintf("%d", stats.Reached),
		"not_reached": fmt.Sprintf("%d", stats.Total-stats.Reached),
		"latency":     fmt.Sprintf("%.1f", stats.AvgLatencyMs),
		"blacklisted": names,
	}), nil
}

// Status 当前时刻的汇总，供机器人命令使用
func (r *ReportService) Status() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.BuildDigest(ctx, time.Now())
}

func (r *ReportService) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	digest, err := r.BuildDigest(ctx, time.Now())
	if err != nil {
		r.logger.Error("failed to build daily digest", zap.Error(err))
		return
	}
	r.logger.Info("daily digest", zap.String("digest", digest))
	if err := r.notifier.Notify(digest); err != nil {
		r.logger.Warn("failed to send daily digest", zap.Error(err))
	}
}

// Start 按配置的 cron 表达式调度
func (r *ReportService) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.conf.Enabled {
		return nil
	}
	if r.cron != nil {
		return fmt.Errorf("report scheduler is already running")
	}

	c := cron.New(cron.WithLocation(r.loc))
	if _, err := c.AddFunc(r.conf.Cron, r.runOnce); err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}
	c.Start()
	r.cron = c
	r.logger.Info("report scheduler started", zap.String("cron_expression", r.conf.Cron))
	return nil
}

// Stop 停止调度并等待正在执行的任务
func (r *ReportService) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
	r.logger.Info("report scheduler stopped")
}
