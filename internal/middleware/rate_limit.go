package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// PrincipalHeader 提交方标识，缺失时按来源IP限流
const PrincipalHeader = "X-Owner-ID"

const limiterIdleTTL = 10 * time.Minute

// RateLimitConfig 限流配置
type RateLimitConfig struct {
	RPS    float64
	Burst  int
	Logger *zap.Logger
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type principalLimiter struct {
	conf      RateLimitConfig
	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

func (p *principalLimiter) allow(key string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.lastSweep) > limiterIdleTTL {
		for k, v := range p.visitors {
			if now.Sub(v.lastSeen) > limiterIdleTTL {
				delete(p.visitors, k)
			}
		}
		p.lastSweep = now
	}

	v, ok := p.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(p.conf.RPS), p.conf.Burst)}
		p.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// RateLimit 按主体限制提交频率
func RateLimit(config RateLimitConfig) echo.MiddlewareFunc {
	limiter := &principalLimiter{
		conf:      config,
		visitors:  make(map[string]*visitor),
		lastSweep: time.Now(),
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get(PrincipalHeader)
			if key == "" {
				key = c.RealIP()
			}
			if !limiter.allow(key, time.Now()) {
				config.Logger.Warn("rate limit exceeded",
					zap.String("principal", key),
					zap.String("path", c.Request().URL.Path))
				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error": "too many requests",
				})
			}
			return next(c)
		}
	}
}
