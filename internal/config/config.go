package config

import "time"

type Config struct {
	Telegram     TelegramConf     `json:"telegram"`
	Binance      BinanceConf      `json:"binance"`
	Redis        RedisConf        `json:"redis"`
	Verification VerificationConf `json:"verification"`
	Reliability  ReliabilityConf  `json:"reliability"`
	Policy       PolicyConf       `json:"policy"`
	Settlement   SettlementConf   `json:"settlement"`
	RateLimit    RateLimitConf    `json:"rate_limit"`
	Report       ReportConf       `json:"report"`
	Nodes        []NodeConf       `json:"nodes"` // 验证节点目录，启动时同步到数据库
}

type TelegramConf struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  string `json:"chat_id"`
}

// BinanceConf 参考价格来源
type BinanceConf struct {
	Enabled  bool   `json:"enabled"`   // 是否启用参考价格补全
	APIKey   string `json:"api_key"`
	Secret   string `json:"secret"`
	ProxyURL string `json:"proxy_url"` // 代理地址，例如: http://127.0.0.1:7890
	Testnet  bool   `json:"testnet"`   // 是否使用测试网
}

// RedisConf 为空时使用进程内的主体锁
type RedisConf struct {
	Addr      string `json:"addr"`
	Password  string `json:"password"`
	DB        int    `json:"db"`
	LockTTLMs int    `json:"lock_ttl_ms"` // 锁过期时间（毫秒），默认10000
}

type VerificationConf struct {
	CommitteeSize      int `json:"committee_size"`        // 委员会大小，默认11
	RequiredSignatures int `json:"required_signatures"`   // 法定签名数，默认7
	TimeoutMs          int `json:"timeout_ms"`            // 一轮验证超时（毫秒），默认5000
	LateGraceMs        int `json:"late_grace_ms"`         // 超时后仍接受迟到响应用于信誉统计的时间（毫秒），默认2000，负数表示不等待
	PostQuorumWindowMs int `json:"post_quorum_window_ms"` // 达到法定数后继续收集签名的窗口（毫秒），默认0
}

type ReliabilityConf struct {
	Alpha                  float64 `json:"alpha"`                    // 指数平滑系数，默认0.1
	InitialScore           float64 `json:"initial_score"`            // 新实体初始信誉，默认1.0
	ProviderFloor          float64 `json:"provider_floor"`           // 服务商信誉下限，默认0.5
	MaxConsecutiveFailures int     `json:"max_consecutive_failures"` // 低于下限后允许的连续失败次数，默认3
}

// PolicyConf 主体没有策略时使用的默认值
type PolicyConf struct {
	Timezone                 string  `json:"timezone"` // 日切时区，默认UTC
	MaxTransactionAmount     float64 `json:"max_transaction_amount"`
	DailySpendingCap         float64 `json:"daily_spending_cap"`
	CooldownPeriodSeconds    int64   `json:"cooldown_period_seconds"`
	MaxPriceDeviationPercent float64 `json:"max_price_deviation_percent"`
	RiskTolerance            float64 `json:"risk_tolerance"`
}

type SettlementConf struct {
	Ledger         string  `json:"ledger"`          // 模拟结算账本名称，默认paper
	InitialBalance float64 `json:"initial_balance"` // 每个主体的模拟余额，0表示不限制
}

type RateLimitConf struct {
	RPS   float64 `json:"rps"`   // 每个主体每秒提交次数，默认5
	Burst int     `json:"burst"` // 默认10
}

type ReportConf struct {
	Enabled bool   `json:"enabled"`
	Cron    string `json:"cron"` // 默认每天9点
}

type NodeConf struct {
	ID        string `json:"id"`
	Address   string `json:"address"`    // 例如 http://10.0.0.1:9001
	PublicKey string `json:"public_key"` // hex编码的ed25519公钥
}

// SetDefaults 填充未配置的默认值
func (c *Config) SetDefaults() {
	v := &c.Verification
	if v.CommitteeSize <= 0 {
		v.CommitteeSize = 11
	}
	if v.RequiredSignatures <= 0 {
		v.RequiredSignatures = 7
	}
	if v.TimeoutMs <= 0 {
		v.TimeoutMs = 5000
	}
	if v.LateGraceMs < 0 {
		v.LateGraceMs = 0
	} else if v.LateGraceMs == 0 {
		v.LateGraceMs = 2000
	}
	if v.PostQuorumWindowMs < 0 {
		v.PostQuorumWindowMs = 0
	}

	r := &c.Reliability
	if r.Alpha <= 0 || r.Alpha > 1 {
		r.Alpha = 0.1
	}
	if r.InitialScore <= 0 || r.InitialScore > 1 {
		r.InitialScore = 1.0
	}
	if r.ProviderFloor <= 0 {
		r.ProviderFloor = 0.5
	}
	if r.MaxConsecutiveFailures <= 0 {
		r.MaxConsecutiveFailures = 3
	}

	p := &c.Policy
	if p.Timezone == "" {
		p.Timezone = "UTC"
	}
	if p.MaxTransactionAmount <= 0 {
		p.MaxTransactionAmount = 1000
	}
	if p.DailySpendingCap <= 0 {
		p.DailySpendingCap = 5000
	}
	if p.CooldownPeriodSeconds < 0 {
		p.CooldownPeriodSeconds = 0
	}
	if p.MaxPriceDeviationPercent <= 0 {
		p.MaxPriceDeviationPercent = 2
	}
	if p.RiskTolerance <= 0 || p.RiskTolerance > 1 {
		p.RiskTolerance = 0.5
	}

	if c.Settlement.Ledger == "" {
		c.Settlement.Ledger = "paper"
	}
	if c.RateLimit.RPS <= 0 {
		c.RateLimit.RPS = 5
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 10
	}
	if c.Report.Cron == "" {
		c.Report.Cron = "0 9 * * *"
	}
	if c.Redis.LockTTLMs <= 0 {
		c.Redis.LockTTLMs = 10000
	}
}

func (v VerificationConf) Timeout() time.Duration {
	return time.Duration(v.TimeoutMs) * time.Millisecond
}

func (v VerificationConf) LateGrace() time.Duration {
	return time.Duration(v.LateGraceMs) * time.Millisecond
}

func (v VerificationConf) PostQuorumWindow() time.Duration {
	return time.Duration(v.PostQuorumWindowMs) * time.Millisecond
}

// Location 日切使用的时区
func (p PolicyConf) Location() *time.Location {
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
