package sessionlocator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"goim-realtime/pkg/logger"
	redisClient "goim-realtime/pkg/redis"
)

// hashGrace 实例Hash在心跳窗口之外多保留的时间
const hashGrace = 30 * time.Second

// HeartbeatManager 中继实例心跳管理器
// 负责实例注册、周期心跳、注销，并登记本实例持有的连接，供回收器在实例宕机后清理
type HeartbeatManager struct {
	redis      *redisClient.RedisClient
	log        logger.Logger
	instanceID string
	host       string
	addr       string

	interval time.Duration
	window   time.Duration
	connTTL  time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// HeartbeatOptions 心跳参数
type HeartbeatOptions struct {
	InstanceID string
	Host       string
	Addr       string
	Interval   time.Duration
	Window     time.Duration
	// ConnTTL 连接登记集合的过期时间，与在线状态TTL一致
	ConnTTL time.Duration
}

// NewHeartbeatManager 创建心跳管理器
func NewHeartbeatManager(redis *redisClient.RedisClient, log logger.Logger, opts HeartbeatOptions) *HeartbeatManager {
	return &HeartbeatManager{
		redis:      redis,
		log:        log,
		instanceID: opts.InstanceID,
		host:       opts.Host,
		addr:       opts.Addr,
		interval:   opts.Interval,
		window:     opts.Window,
		connTTL:    opts.ConnTTL,
		stopCh:     make(chan struct{}),
	}
}

// Start 注册实例并启动心跳
func (hm *HeartbeatManager) Start(ctx context.Context) error {
	if err := hm.register(ctx); err != nil {
		return fmt.Errorf("注册中继实例失败: %w", err)
	}

	hm.wg.Add(1)
	go hm.loop()

	hm.log.Info(ctx, "Instance heartbeat started",
		logger.F("instance_id", hm.instanceID), logger.F("addr", hm.addr))
	return nil
}

// Stop 停止心跳并注销实例
func (hm *HeartbeatManager) Stop(ctx context.Context) error {
	hm.stopOnce.Do(func() { close(hm.stopCh) })
	hm.wg.Wait()

	if err := hm.unregister(ctx); err != nil {
		hm.log.Warn(ctx, "Instance unregister failed", logger.Err(err))
		return err
	}
	hm.log.Info(ctx, "Instance heartbeat stopped", logger.F("instance_id", hm.instanceID))
	return nil
}

// register 注册实例到ZSET并写入详细信息
func (hm *HeartbeatManager) register(ctx context.Context) error {
	now := time.Now().Unix()
	key := instanceKey(hm.instanceID)
	_, err := hm.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, InstancesKey, &redis.Z{Score: float64(now), Member: hm.instanceID})
		pipe.HSet(ctx, key, map[string]interface{}{
			"id":             hm.instanceID,
			"host":           hm.host,
			"addr":           hm.addr,
			"registered_at":  now,
			"last_heartbeat": now,
		})
		pipe.Expire(ctx, key, hm.window+hashGrace)
		return nil
	})
	return err
}

// unregister 从ZSET移除实例；连接登记集合此时应已被排空
func (hm *HeartbeatManager) unregister(ctx context.Context) error {
	_, err := hm.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, InstancesKey, hm.instanceID)
		pipe.Del(ctx, instanceKey(hm.instanceID), connsKey(hm.instanceID))
		return nil
	})
	return err
}

func (hm *HeartbeatManager) loop() {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), hm.interval)
			if err := hm.Beat(ctx); err != nil {
				hm.log.Warn(ctx, "Send heartbeat failed", logger.Err(err))
			}
			cancel()
		case <-hm.stopCh:
			return
		}
	}
}

// Beat 发送一次心跳并续期实例信息与连接登记
func (hm *HeartbeatManager) Beat(ctx context.Context) error {
	now := time.Now().Unix()
	key := instanceKey(hm.instanceID)
	_, err := hm.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, InstancesKey, &redis.Z{Score: float64(now), Member: hm.instanceID})
		pipe.HSet(ctx, key, "last_heartbeat", now)
		pipe.Expire(ctx, key, hm.window+hashGrace)
		pipe.Expire(ctx, connsKey(hm.instanceID), hm.connTTL)
		return nil
	})
	return err
}

// AddConnection 登记本实例持有的连接
func (hm *HeartbeatManager) AddConnection(ctx context.Context, userID, connID string) error {
	key := connsKey(hm.instanceID)
	_, err := hm.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, connMember(userID, connID))
		pipe.Expire(ctx, key, hm.connTTL)
		return nil
	})
	return err
}

// RemoveConnection 取消连接登记
func (hm *HeartbeatManager) RemoveConnection(ctx context.Context, userID, connID string) error {
	return hm.redis.SRem(ctx, connsKey(hm.instanceID), connMember(userID, connID))
}

// GetInstanceID 获取实例ID
func (hm *HeartbeatManager) GetInstanceID() string {
	return hm.instanceID
}
