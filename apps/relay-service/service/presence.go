package service

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"goim-realtime/apps/relay-service/model"
	"goim-realtime/pkg/logger"
	"goim-realtime/pkg/metrics"
)

func presenceKey(userID string) string { return "presence:" + userID }
func socketsKey(userID string) string  { return "user:" + userID + ":sockets" }

// registerScript 加入连接集合；第一个连接（或记录缺失/离线时）置为在线
// KEYS: sockets, presence  ARGV: connID, ttl(ms), now(ms)
var registerScript = goredis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
local n = redis.call('SCARD', KEYS[1])
local status = redis.call('HGET', KEYS[2], 'status')
if n == 1 or not status or status == 'offline' then
  redis.call('HSET', KEYS[2], 'status', 'online', 'customStatus', '', 'lastSeen', ARGV[3])
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
  return 1
end
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 0
`)

// reviveScript 续期时补回连接；只有记录缺失或离线才置为在线，保留away/busy
// KEYS: sockets, presence  ARGV: connID, ttl(ms), now(ms)
var reviveScript = goredis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
local status = redis.call('HGET', KEYS[2], 'status')
if not status or status == 'offline' then
  redis.call('HSET', KEYS[2], 'status', 'online', 'customStatus', '', 'lastSeen', ARGV[3])
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
  return 1
end
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 0
`)

// deregisterScript 移出连接集合；集合变空时置为离线
var deregisterScript = goredis.NewScript(`
if redis.call('SREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if redis.call('SCARD', KEYS[1]) > 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'status', 'offline', 'customStatus', '', 'lastSeen', ARGV[3])
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return 1
`)

// Connect 登记一条已通过认证的连接
func (s *Service) Connect(ctx context.Context, c *Connection) error {
	s.conns.add(c)
	if _, err := s.bus.Subscribe(ctx, userChannel(c.UserID)); err != nil {
		s.conns.remove(c)
		return model.NewStoreUnavailableError(err)
	}
	metrics.ConnectionOpened()
	s.armIdle(c)

	// 在线状态写失败时放行，由续期或下一次查询自愈
	if err := s.register(ctx, c.UserID, c.ID); err != nil {
		s.log.Warn(ctx, "Register presence failed", logger.F("user_id", c.UserID), logger.F("conn_id", c.ID), logger.Err(err))
	}
	if s.tracker != nil {
		if err := s.tracker.AddConnection(ctx, c.UserID, c.ID); err != nil {
			s.log.Warn(ctx, "Track connection failed", logger.F("conn_id", c.ID), logger.Err(err))
		}
	}

	s.sendTo(c, model.EventConnected, model.ConnectedPayload{UserID: c.UserID, SocketID: c.ID})
	s.log.Info(ctx, "Connection registered",
		logger.F("user_id", c.UserID), logger.F("conn_id", c.ID), logger.F("device_id", c.DeviceID))
	return nil
}

// Disconnect 注销连接：退出房间、取消订阅、必要时置为离线
func (s *Service) Disconnect(ctx context.Context, c *Connection, reason string) {
	if !s.conns.remove(c) {
		return
	}
	c.Close(normalClose(reason))

	for _, roomID := range c.Rooms() {
		if _, err := s.LeaveRoom(ctx, c, roomID); err != nil {
			s.log.Warn(ctx, "Leave room on disconnect failed", logger.F("room_id", roomID), logger.Err(err))
		}
	}
	s.UnsubscribePresence(ctx, c, c.watched())

	if _, err := s.bus.Unsubscribe(ctx, userChannel(c.UserID)); err != nil {
		s.log.Warn(ctx, "Unsubscribe user channel failed", logger.F("user_id", c.UserID), logger.Err(err))
	}
	if err := s.deregister(ctx, c.UserID, c.ID); err != nil {
		s.log.Warn(ctx, "Deregister presence failed", logger.F("user_id", c.UserID), logger.F("conn_id", c.ID), logger.Err(err))
	}
	if s.tracker != nil {
		if err := s.tracker.RemoveConnection(ctx, c.UserID, c.ID); err != nil {
			s.log.Warn(ctx, "Untrack connection failed", logger.F("conn_id", c.ID), logger.Err(err))
		}
	}

	metrics.ConnectionClosed(reason)
	s.log.Info(ctx, "Connection closed",
		logger.F("user_id", c.UserID), logger.F("conn_id", c.ID), logger.F("reason", reason),
		logger.F("duration", time.Since(c.ConnectedAt).String()))
}

// ReclaimConnection 注销宕机实例遗留的连接
func (s *Service) ReclaimConnection(ctx context.Context, userID, connID string) error {
	return s.deregister(ctx, userID, connID)
}

func (s *Service) register(ctx context.Context, userID, connID string) error {
	return s.markOnline(ctx, registerScript, userID, connID)
}

func (s *Service) revive(ctx context.Context, userID, connID string) error {
	return s.markOnline(ctx, reviveScript, userID, connID)
}

func (s *Service) markOnline(ctx context.Context, script *goredis.Script, userID, connID string) error {
	now := nowMillis()
	flipped, err := s.redis.RunScript(ctx, script,
		[]string{socketsKey(userID), presenceKey(userID)},
		connID, s.opts.Presence.TTL.Milliseconds(), now).Int64()
	if err != nil {
		return err
	}
	if flipped == 1 {
		s.announcePresence(ctx, model.PresencePayload{UserID: userID, Status: model.StatusOnline, LastSeen: now})
	}
	return nil
}

func (s *Service) deregister(ctx context.Context, userID, connID string) error {
	now := nowMillis()
	flipped, err := s.redis.RunScript(ctx, deregisterScript,
		[]string{socketsKey(userID), presenceKey(userID)},
		connID, s.opts.Presence.TTL.Milliseconds(), now).Int64()
	if err != nil {
		return err
	}
	if flipped == 1 {
		s.announcePresence(ctx, model.PresencePayload{UserID: userID, Status: model.StatusOffline, LastSeen: now})
	}
	return nil
}

// announcePresence 发布给该用户的订阅者，并写入审计流
func (s *Service) announcePresence(ctx context.Context, p model.PresencePayload) {
	if err := s.publish(ctx, presenceChannel(p.UserID), model.EventPresenceUpdate, p, ""); err != nil {
		s.log.Warn(ctx, "Publish presence failed", logger.F("user_id", p.UserID), logger.Err(err))
	}
	if s.producer == nil || s.opts.PresenceTopic == "" {
		return
	}
	value, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.producer.SendMessage(ctx, s.opts.PresenceTopic, []byte(p.UserID), value); err != nil {
		s.log.Warn(ctx, "Produce presence audit failed", logger.F("user_id", p.UserID), logger.Err(err))
	}
}

// UpdatePresence 客户端显式设置状态（away/busy/online），总是发布
func (s *Service) UpdatePresence(ctx context.Context, c *Connection, req *model.PresenceUpdateRequest) model.PresencePayload {
	p := model.PresencePayload{
		UserID:       c.UserID,
		Status:       req.Status,
		CustomStatus: req.CustomStatus,
		LastSeen:     nowMillis(),
	}
	key := presenceKey(c.UserID)
	_, err := s.redis.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, "status", p.Status, "customStatus", p.CustomStatus, "lastSeen", p.LastSeen)
		pipe.Expire(ctx, key, s.opts.Presence.TTL)
		return nil
	})
	if err != nil {
		s.log.Warn(ctx, "Store presence update failed", logger.F("user_id", c.UserID), logger.Err(err))
	}
	s.announcePresence(ctx, p)
	return p
}

// SubscribePresence 订阅目标用户的状态变化，立即回推当前快照
func (s *Service) SubscribePresence(ctx context.Context, c *Connection, userIDs []string) ([]model.PresencePayload, error) {
	targets := dedupe(userIDs)
	for _, uid := range targets {
		if !c.addWatch(uid) {
			continue
		}
		s.conns.watch(uid, c)
		if _, err := s.bus.Subscribe(ctx, presenceChannel(uid)); err != nil {
			c.removeWatch(uid)
			s.conns.unwatch(uid, c.ID)
			return nil, model.NewStoreUnavailableError(err)
		}
	}

	snap, err := s.PresenceSnapshot(ctx, targets)
	if err != nil {
		s.log.Warn(ctx, "Presence snapshot failed", logger.F("user_id", c.UserID), logger.Err(err))
		return []model.PresencePayload{}, nil
	}
	for _, p := range snap {
		s.sendTo(c, model.EventPresenceUpdate, p)
	}
	return snap, nil
}

// UnsubscribePresence 取消订阅
func (s *Service) UnsubscribePresence(ctx context.Context, c *Connection, userIDs []string) {
	for _, uid := range userIDs {
		if !c.removeWatch(uid) {
			continue
		}
		s.conns.unwatch(uid, c.ID)
		if _, err := s.bus.Unsubscribe(ctx, presenceChannel(uid)); err != nil {
			s.log.Warn(ctx, "Unsubscribe presence failed", logger.F("target", uid), logger.Err(err))
		}
	}
}

// PresenceSnapshot 查询一批用户的当前状态，无记录视为离线
func (s *Service) PresenceSnapshot(ctx context.Context, userIDs []string) ([]model.PresencePayload, error) {
	if len(userIDs) == 0 {
		return []model.PresencePayload{}, nil
	}
	cmds, err := s.redis.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, uid := range userIDs {
			pipe.HGetAll(ctx, presenceKey(uid))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.PresencePayload, 0, len(userIDs))
	for i, uid := range userIDs {
		fields := cmds[i].(*goredis.StringStringMapCmd).Val()
		p := model.PresencePayload{UserID: uid, Status: model.StatusOffline}
		if st := fields["status"]; st != "" {
			p.Status = st
			p.CustomStatus = fields["customStatus"]
		}
		if ls, err := strconv.ParseInt(fields["lastSeen"], 10, 64); err == nil {
			p.LastSeen = ls
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Service) refreshLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := s.refresh(ctx); err != nil {
				s.log.Warn(ctx, "Refresh presence TTL failed", logger.Err(err))
			}
			cancel()
		case <-s.stopCh:
			return
		}
	}
}

// refresh 为本进程持有的连接重新登记并续期
// 连接被其他实例回收或存储丢键后，这里会把它们补回并重新置为在线。
func (s *Service) refresh(ctx context.Context) error {
	conns := s.conns.all()
	if len(conns) == 0 {
		return nil
	}

	var firstErr error
	rooms := make(map[string][]string)
	for _, c := range conns {
		if err := s.revive(ctx, c.UserID, c.ID); err != nil && firstErr == nil {
			firstErr = err
		}
		if s.tracker != nil {
			if err := s.tracker.AddConnection(ctx, c.UserID, c.ID); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		for _, rid := range c.Rooms() {
			rooms[rid] = append(rooms[rid], c.ID)
		}
	}
	if len(rooms) == 0 {
		return firstErr
	}

	_, err := s.redis.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for rid, ids := range rooms {
			members := make([]interface{}, len(ids))
			for i, id := range ids {
				members[i] = id
			}
			pipe.SAdd(ctx, roomMembersKey(rid), members...)
			pipe.Expire(ctx, roomMembersKey(rid), s.opts.Room.MemberTTL)
		}
		return nil
	})
	if firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
