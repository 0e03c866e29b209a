package sessionlocator

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"goim-realtime/pkg/logger"
	redisClient "goim-realtime/pkg/redis"
)

// 用Redis锁做领导者选举，保证回收任务全局单点执行

// LeaderLockTTL 领导者锁的TTL
const LeaderLockTTL = 60 * time.Second

// renewScript 仅当锁仍由自己持有时续期
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript 仅当锁仍由自己持有时删除
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// OrphanHandler 处理宕机实例遗留的一条连接（通常是注销会话并发布下线）
type OrphanHandler func(ctx context.Context, userID, connID string) error

// Cleaner 宕机实例回收器
type Cleaner struct {
	redis      *redisClient.RedisClient
	log        logger.Logger
	instanceID string
	window     time.Duration
	interval   time.Duration
	onOrphan   OrphanHandler

	isLeader atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// NewCleaner 创建回收器；window 为心跳超时窗口，interval 为选举与回收周期
func NewCleaner(redis *redisClient.RedisClient, log logger.Logger, instanceID string, window, interval time.Duration, onOrphan OrphanHandler) *Cleaner {
	return &Cleaner{
		redis:      redis,
		log:        log,
		instanceID: instanceID,
		window:     window,
		interval:   interval,
		onOrphan:   onOrphan,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Start 启动选举与回收循环
func (c *Cleaner) Start(ctx context.Context) error {
	c.wg.Add(1)
	go c.loop()
	return nil
}

// Stop 停止回收器，持有锁时释放
func (c *Cleaner) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	if c.isLeader.Load() {
		c.isLeader.Store(false)
		if err := c.redis.RunScript(ctx, releaseScript, []string{LeaderLockKey}, c.instanceID).Err(); err != nil {
			c.log.Warn(ctx, "Release reaper leader lock failed", logger.Err(err))
		}
	}
	return nil
}

func (c *Cleaner) loop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), c.interval)
		if c.tryBecomeLeader(ctx) {
			if n, err := c.Reap(ctx); err != nil {
				c.log.Warn(ctx, "Reap stale instances failed", logger.Err(err))
			} else if n > 0 {
				c.log.Info(ctx, "Reclaimed connections of stale instances", logger.F("connections", n))
			}
		}
		cancel()

		select {
		case <-ticker.C:
		case <-c.stopCh:
			return
		}
	}
}

// tryBecomeLeader 获取或续期领导者锁
func (c *Cleaner) tryBecomeLeader(ctx context.Context) bool {
	ok, err := c.redis.SetNX(ctx, LeaderLockKey, c.instanceID, LeaderLockTTL)
	if err != nil {
		c.log.Warn(ctx, "Leader election failed", logger.Err(err))
		return false
	}
	if !ok {
		renewed, err := c.redis.RunScript(ctx, renewScript, []string{LeaderLockKey},
			c.instanceID, LeaderLockTTL.Milliseconds()).Int64()
		if err != nil && !errors.Is(err, redisClient.Nil) {
			c.log.Warn(ctx, "Renew leader lock failed", logger.Err(err))
			return false
		}
		ok = renewed == 1
	}

	if ok != c.isLeader.Load() {
		c.log.Info(ctx, "Reaper leadership changed", logger.F("leader", ok), logger.F("instance_id", c.instanceID))
	}
	c.isLeader.Store(ok)
	return ok
}

// Reap 回收心跳超时实例登记的全部连接，返回回收的连接数
func (c *Cleaner) Reap(ctx context.Context) (int, error) {
	expiredBefore := c.now().Add(-c.window).Unix()
	expired, err := c.redis.ZRangeByScore(ctx, InstancesKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(expiredBefore, 10),
	})
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, id := range expired {
		if id == c.instanceID {
			continue
		}
		n, err := c.reapInstance(ctx, id)
		reclaimed += n
		if err != nil {
			return reclaimed, err
		}
	}
	return reclaimed, nil
}

func (c *Cleaner) reapInstance(ctx context.Context, instanceID string) (int, error) {
	members, err := c.redis.SMembers(ctx, connsKey(instanceID))
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, m := range members {
		userID, connID, ok := parseConnMember(m)
		if !ok {
			continue
		}
		if c.onOrphan != nil {
			if err := c.onOrphan(ctx, userID, connID); err != nil {
				// 保留实例登记，下一轮重试
				return reclaimed, err
			}
		}
		if err := c.redis.SRem(ctx, connsKey(instanceID), m); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}

	c.log.Warn(ctx, "Removed stale relay instance",
		logger.F("stale_instance", instanceID), logger.F("connections", reclaimed))

	_, err = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, InstancesKey, instanceID)
		pipe.Del(ctx, instanceKey(instanceID), connsKey(instanceID))
		return nil
	})
	return reclaimed, err
}

// IsLeader 检查是否为领导者
func (c *Cleaner) IsLeader() bool {
	return c.isLeader.Load()
}
