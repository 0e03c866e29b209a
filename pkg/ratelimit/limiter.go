package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	gobreaker "github.com/sony/gobreaker/v2"

	"goim-realtime/pkg/config"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/metrics"
	redisClient "goim-realtime/pkg/redis"
)

const (
	keyPrefix = "ratelimit:"

	// storeTimeout 单次计数调用的上限，超时按存储不可用处理
	storeTimeout = 500 * time.Millisecond
)

// incrScript 原子自增；窗口内第一次自增时设置过期时间。
// 遗留的无TTL计数器（PTTL == -1）同样补上过期时间。
var incrScript = redis.NewScript(`
local current = redis.call('INCR', KEYS[1])
if current == 1 or redis.call('PTTL', KEYS[1]) == -1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return current
`)

// Rule 固定窗口限流规则
type Rule struct {
	Limit  int64
	Window time.Duration
}

// ExceededError 超出配额
type ExceededError struct {
	Event  string
	Limit  int64
	Window time.Duration
	Count  int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s: %d/%s", e.Event, e.Limit, e.Window)
}

// Limiter 按 (userID, event) 的固定窗口计数器，计数存放在共享Redis中。
// 存储不可用时放行（fail-open），连续失败后由熔断器直接短路。
type Limiter struct {
	redis   *redisClient.RedisClient
	rules   map[string]Rule
	breaker *gobreaker.CircuitBreaker[int64]
	log     logger.Logger
}

// New 创建限流器
func New(redis *redisClient.RedisClient, rules map[string]Rule, log logger.Logger) *Limiter {
	l := &Limiter{
		redis: redis,
		rules: rules,
		log:   log,
	}

	l.breaker = gobreaker.NewCircuitBreaker[int64](gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn(context.Background(), "Rate limiter circuit breaker state changed",
				logger.F("from", from.String()), logger.F("to", to.String()))
		},
	})
	return l
}

// RulesFromConfig 把配置转换为限流规则
func RulesFromConfig(cfg map[string]config.RateRule) map[string]Rule {
	rules := make(map[string]Rule, len(cfg))
	for event, r := range cfg {
		if r.Limit <= 0 || r.Window <= 0 {
			continue
		}
		rules[event] = Rule{Limit: r.Limit, Window: r.Window}
	}
	return rules
}

// Rule 查询事件的规则
func (l *Limiter) Rule(event string) (Rule, bool) {
	r, ok := l.rules[event]
	return r, ok
}

// Allow 记录一次事件；超出配额返回 *ExceededError，未配置规则的事件直接放行
func (l *Limiter) Allow(ctx context.Context, userID, event string) error {
	rule, ok := l.rules[event]
	if !ok {
		return nil
	}

	key := keyPrefix + event + ":" + userID
	count, err := l.breaker.Execute(func() (int64, error) {
		cctx, cancel := context.WithTimeout(ctx, storeTimeout)
		defer cancel()
		return l.redis.RunScript(cctx, incrScript, []string{key}, rule.Window.Milliseconds()).Int64()
	})
	if err != nil {
		metrics.RateLimitFailOpen.Inc()
		l.log.Warn(ctx, "Rate limiter store unavailable, failing open",
			logger.F("event", event), logger.F("user_id", userID), logger.Err(err))
		return nil
	}

	if count > rule.Limit {
		metrics.RateLimitRejected.WithLabelValues(event).Inc()
		return &ExceededError{Event: event, Limit: rule.Limit, Window: rule.Window, Count: count}
	}
	return nil
}
