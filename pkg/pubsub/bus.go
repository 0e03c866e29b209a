package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/metrics"
	redisClient "goim-realtime/pkg/redis"
)

// closeWait 关闭时等待接收循环退出的上限
const closeWait = 3 * time.Second

// ErrClosed 总线已关闭
var ErrClosed = errors.New("pubsub: bus closed")

// Handler 本进程收到频道消息后的投递回调，必须非阻塞
type Handler func(channel string, payload []byte)

// Bus 分布式广播总线
// 任意进程 Publish 的消息会送达所有订阅了该频道的进程，再由各进程投递给本地连接。
// 频道订阅按引用计数管理：第一个本地订阅者出现时 SUBSCRIBE，最后一个离开时 UNSUBSCRIBE。
type Bus struct {
	redis  *redisClient.RedisClient
	log    logger.Logger
	pubsub *redis.PubSub

	mu     sync.Mutex
	refs   map[string]int
	closed bool

	done chan struct{}
}

// NewBus 创建广播总线
func NewBus(redis *redisClient.RedisClient, log logger.Logger) *Bus {
	return &Bus{
		redis: redis,
		log:   log,
		refs:  make(map[string]int),
		done:  make(chan struct{}),
	}
}

// Start 建立订阅连接并启动接收循环
func (b *Bus) Start(ctx context.Context, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("pubsub: handler required")
	}

	b.mu.Lock()
	if b.pubsub != nil {
		b.mu.Unlock()
		return fmt.Errorf("pubsub: already started")
	}
	b.pubsub = b.redis.Subscribe(ctx)
	ch := b.pubsub.Channel()
	b.mu.Unlock()

	go b.receive(ch, handler)
	return nil
}

// receive 按到达顺序逐条投递，保证单一发布者到单一频道的FIFO
func (b *Bus) receive(ch <-chan *redis.Message, handler Handler) {
	defer close(b.done)
	for msg := range ch {
		metrics.BusMessagesReceived.Inc()
		b.dispatch(handler, msg)
	}
}

func (b *Bus) dispatch(handler Handler, msg *redis.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error(context.Background(), "Bus handler panic recovered",
				logger.F("channel", msg.Channel), logger.F("panic", r))
		}
	}()
	handler(msg.Channel, []byte(msg.Payload))
}

// Publish 发布消息，至多一次投递
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.redis.Publish(ctx, channel, payload); err != nil {
		metrics.BusPublishErrors.Inc()
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	metrics.BusMessagesPublished.Inc()
	return nil
}

// Subscribe 增加频道引用计数，首次引用时向Redis订阅；返回是否为首次
func (b *Bus) Subscribe(ctx context.Context, channel string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.pubsub == nil {
		return false, ErrClosed
	}

	b.refs[channel]++
	if b.refs[channel] > 1 {
		return false, nil
	}

	if err := b.pubsub.Subscribe(ctx, channel); err != nil {
		delete(b.refs, channel)
		return false, fmt.Errorf("subscribe %s: %w", channel, err)
	}
	metrics.BusSubscriptions.Set(float64(len(b.refs)))
	return true, nil
}

// Unsubscribe 减少频道引用计数，归零时取消Redis订阅；返回是否为最后一次
func (b *Bus) Unsubscribe(ctx context.Context, channel string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n, ok := b.refs[channel]
	if !ok {
		return false, nil
	}
	if n > 1 {
		b.refs[channel] = n - 1
		return false, nil
	}

	delete(b.refs, channel)
	metrics.BusSubscriptions.Set(float64(len(b.refs)))
	if b.closed || b.pubsub == nil {
		return true, nil
	}
	if err := b.pubsub.Unsubscribe(ctx, channel); err != nil {
		return true, fmt.Errorf("unsubscribe %s: %w", channel, err)
	}
	return true, nil
}

// IsSubscribed 本进程是否订阅了频道
func (b *Bus) IsSubscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs[channel] > 0
}

// RefCount 频道的本地引用计数
func (b *Bus) RefCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs[channel]
}

// Subscriptions 当前订阅的频道数
func (b *Bus) Subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.refs)
}

// Close 释放所有订阅并等待接收循环退出
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	ps := b.pubsub
	b.refs = make(map[string]int)
	b.mu.Unlock()

	metrics.BusSubscriptions.Set(0)
	if ps == nil {
		return nil
	}
	err := ps.Close()
	select {
	case <-b.done:
	case <-time.After(closeWait):
		b.log.Warn(context.Background(), "Bus receive loop did not exit in time")
	}
	return err
}
