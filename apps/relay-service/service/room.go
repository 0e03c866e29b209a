package service

import (
	"context"

	goredis "github.com/go-redis/redis/v8"

	"goim-realtime/apps/relay-service/model"
	"goim-realtime/pkg/logger"
)

func roomMembersKey(roomID string) string { return "room:" + roomID + ":members" }

// JoinRoom 连接加入房间，已在房间中时为空操作
// 本进程第一个加入该房间的连接会订阅房间频道（总线内部引用计数）。
func (s *Service) JoinRoom(ctx context.Context, c *Connection, roomID string) (bool, error) {
	if !c.addRoom(roomID) {
		return false, nil
	}
	s.conns.joinRoom(roomID, c)

	rollback := func() {
		c.removeRoom(roomID)
		s.conns.leaveRoom(roomID, c.ID)
	}
	if _, err := s.bus.Subscribe(ctx, roomChannel(roomID)); err != nil {
		rollback()
		return false, model.NewStoreUnavailableError(err)
	}

	key := roomMembersKey(roomID)
	_, err := s.redis.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, key, c.ID)
		pipe.Expire(ctx, key, s.opts.Room.MemberTTL)
		return nil
	})
	if err != nil {
		rollback()
		_, _ = s.bus.Unsubscribe(ctx, roomChannel(roomID))
		return false, model.NewStoreUnavailableError(err)
	}

	member := model.MemberPayload{ChatID: roomID, UserID: c.UserID, SocketID: c.ID}
	if err := s.publish(ctx, roomChannel(roomID), model.EventChatMemberJoined, member, c.ID); err != nil {
		s.log.Warn(ctx, "Publish member joined failed", logger.F("room_id", roomID), logger.Err(err))
	}
	return true, nil
}

// LeaveRoom 连接离开房间，不在房间中时为空操作
func (s *Service) LeaveRoom(ctx context.Context, c *Connection, roomID string) (bool, error) {
	if !c.removeRoom(roomID) {
		return false, nil
	}
	s.conns.leaveRoom(roomID, c.ID)

	if _, err := s.bus.Unsubscribe(ctx, roomChannel(roomID)); err != nil {
		s.log.Warn(ctx, "Unsubscribe room failed", logger.F("room_id", roomID), logger.Err(err))
	}

	var firstErr error
	if err := s.redis.SRem(ctx, roomMembersKey(roomID), c.ID); err != nil {
		firstErr = model.NewStoreUnavailableError(err)
	}

	member := model.MemberPayload{ChatID: roomID, UserID: c.UserID, SocketID: c.ID}
	if err := s.publish(ctx, roomChannel(roomID), model.EventChatMemberLeft, member, c.ID); err != nil {
		s.log.Warn(ctx, "Publish member left failed", logger.F("room_id", roomID), logger.Err(err))
	}
	return true, firstErr
}

// JoinRooms 批量加入，返回本次新加入的房间
func (s *Service) JoinRooms(ctx context.Context, c *Connection, roomIDs []string) ([]string, error) {
	joined := make([]string, 0, len(roomIDs))
	for _, roomID := range dedupe(roomIDs) {
		ok, err := s.JoinRoom(ctx, c, roomID)
		if err != nil {
			return joined, err
		}
		if ok {
			joined = append(joined, roomID)
		}
	}
	return joined, nil
}

// RoomMembers 从共享存储读取房间的全部连接（跨进程）
func (s *Service) RoomMembers(ctx context.Context, roomID string) ([]string, error) {
	members, err := s.redis.SMembers(ctx, roomMembersKey(roomID))
	return members, storeErr(err)
}
