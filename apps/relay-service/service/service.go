package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"goim-realtime/apps/relay-service/model"
	"goim-realtime/pkg/config"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/pubsub"
	"goim-realtime/pkg/redis"
	"goim-realtime/pkg/snowflake"
)

// 总线频道前缀
const (
	roomChannelPrefix     = "room:"
	userChannelPrefix     = "user:"
	presenceChannelPrefix = "presence:"
)

func roomChannel(roomID string) string     { return roomChannelPrefix + roomID }
func userChannel(userID string) string     { return userChannelPrefix + userID }
func presenceChannel(userID string) string { return presenceChannelPrefix + userID }

// EventProducer 审计流生产者
type EventProducer interface {
	SendMessage(ctx context.Context, topic string, key, value []byte) error
}

// ConnectionTracker 把本进程持有的连接登记到实例注册表
type ConnectionTracker interface {
	AddConnection(ctx context.Context, userID, connID string) error
	RemoveConnection(ctx context.Context, userID, connID string) error
}

// Options 中继服务参数
type Options struct {
	InstanceID    string
	Presence      config.PresenceConfig
	Connection    config.ConnectionConfig
	Call          config.CallConfig
	Notification  config.NotificationConfig
	Room          config.RoomConfig
	PresenceTopic string
}

// OptionsFromConfig 从应用配置构造参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		InstanceID:    cfg.Relay.InstanceID,
		Presence:      cfg.Relay.Presence,
		Connection:    cfg.Relay.Connection,
		Call:          cfg.Relay.Call,
		Notification:  cfg.Relay.Notification,
		Room:          cfg.Relay.Room,
		PresenceTopic: cfg.Kafka.PresenceTopic,
	}
}

// Service 实时中继服务
type Service struct {
	opts  Options
	redis *redis.RedisClient
	bus   *pubsub.Bus
	ids   *snowflake.Snowflake
	log   logger.Logger
	conns *connTable

	producer EventProducer
	tracker  ConnectionTracker

	ringMu sync.Mutex
	rings  map[string]*time.Timer

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewService 创建中继服务
func NewService(rc *redis.RedisClient, bus *pubsub.Bus, log logger.Logger, opts Options) *Service {
	return &Service{
		opts:   opts,
		redis:  rc,
		bus:    bus,
		ids:    snowflake.ForInstance(opts.InstanceID),
		log:    log,
		conns:  newConnTable(),
		rings:  make(map[string]*time.Timer),
		stopCh: make(chan struct{}),
	}
}

// SetProducer 设置在线状态审计流的生产者
func (s *Service) SetProducer(p EventProducer) {
	s.producer = p
}

// SetTracker 设置实例连接登记
func (s *Service) SetTracker(t ConnectionTracker) {
	s.tracker = t
}

// GetInstanceID 获取实例ID
func (s *Service) GetInstanceID() string {
	return s.opts.InstanceID
}

// Options 当前参数
func (s *Service) Options() Options {
	return s.opts
}

// Start 启动总线接收与在线状态续期
func (s *Service) Start(ctx context.Context) error {
	if err := s.bus.Start(ctx, s.onBusMessage); err != nil {
		return err
	}
	if s.opts.Presence.RefreshInterval > 0 {
		s.wg.Add(1)
		go s.refreshLoop(s.opts.Presence.RefreshInterval)
	}
	s.log.Info(ctx, "Relay service started", logger.F("instance_id", s.opts.InstanceID))
	return nil
}

// Stop 停止后台任务并释放总线订阅
func (s *Service) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	s.ringMu.Lock()
	for id, t := range s.rings {
		t.Stop()
		delete(s.rings, id)
	}
	s.ringMu.Unlock()

	return s.bus.Close()
}

// Drain 以"server restarting"关闭全部连接，等待它们完成注销
func (s *Service) Drain(ctx context.Context) error {
	all := s.conns.all()
	if len(all) == 0 {
		return nil
	}
	s.log.Info(ctx, "Draining connections", logger.F("connections", len(all)))
	for _, c := range all {
		c.Close(closeDrain)
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n, _, _ := s.conns.counts(); n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			n, _, _ := s.conns.counts()
			s.log.Warn(ctx, "Drain timed out", logger.F("remaining", n))
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// onBusMessage 总线消息只投递给本进程持有的相关连接
func (s *Service) onBusMessage(channel string, payload []byte) {
	env, err := model.DecodeEnvelope(payload)
	if err != nil {
		s.log.Warn(context.Background(), "Drop malformed bus message", logger.F("channel", channel), logger.Err(err))
		return
	}

	var targets []*Connection
	switch {
	case strings.HasPrefix(channel, roomChannelPrefix):
		targets = s.conns.roomConns(strings.TrimPrefix(channel, roomChannelPrefix))
	case strings.HasPrefix(channel, userChannelPrefix):
		targets = s.conns.userConns(strings.TrimPrefix(channel, userChannelPrefix))
	case strings.HasPrefix(channel, presenceChannelPrefix):
		targets = s.conns.watcherConns(strings.TrimPrefix(channel, presenceChannelPrefix))
	}
	if len(targets) == 0 {
		return
	}

	frame, err := model.EncodeFrame(env.Event, env.Data, "")
	if err != nil {
		s.log.Error(context.Background(), "Encode frame failed", logger.F("event", env.Event), logger.Err(err))
		return
	}
	for _, c := range targets {
		if c.ID == env.Exclude {
			continue
		}
		c.Enqueue(frame)
	}
}

// publish 在总线上发布事件，exclude 指定的连接不会收到
func (s *Service) publish(ctx context.Context, channel, event string, data interface{}, exclude string) error {
	payload, err := model.EncodeEnvelope(event, data, exclude)
	if err != nil {
		return model.NewInternalError(err)
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		return model.NewStoreUnavailableError(err)
	}
	return nil
}

// sendTo 直接投递给本地连接
func (s *Service) sendTo(c *Connection, event string, data interface{}) {
	frame, err := model.EncodeFrame(event, data, "")
	if err != nil {
		s.log.Error(context.Background(), "Encode frame failed", logger.F("event", event), logger.Err(err))
		return
	}
	c.Enqueue(frame)
}

func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return model.NewStoreUnavailableError(err)
}

// Stats 本进程统计
type Stats struct {
	InstanceID       string `json:"instanceId"`
	Connections      int    `json:"connections"`
	Users            int    `json:"users"`
	Rooms            int    `json:"rooms"`
	BusSubscriptions int    `json:"busSubscriptions"`
}

// Stats 获取本进程统计
func (s *Service) Stats() Stats {
	conns, users, rooms := s.conns.counts()
	return Stats{
		InstanceID:       s.opts.InstanceID,
		Connections:      conns,
		Users:            users,
		Rooms:            rooms,
		BusSubscriptions: s.bus.Subscriptions(),
	}
}

// Lookup 按ID查找本地连接
func (s *Service) Lookup(connID string) (*Connection, bool) {
	return s.conns.get(connID)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
