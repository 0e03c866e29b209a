package service

import (
	"context"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"goim-realtime/apps/relay-service/model"
	"goim-realtime/pkg/logger"
)

// 通知信箱：每个用户一个有界列表（新的在前），已读ID单独放一个集合，两者同TTL

func mailboxKey(userID string) string     { return "notifications:" + userID }
func mailboxReadKey(userID string) string { return "notifications:" + userID + ":read" }

// PushNotification 写入信箱，超过容量时丢弃最旧的条目
func (s *Service) PushNotification(ctx context.Context, userID, typ string, payload json.RawMessage) (*model.Notification, error) {
	n := &model.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Payload:   payload,
		CreatedAt: nowMillis(),
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return nil, model.NewInternalError(err)
	}

	key, readKey := mailboxKey(userID), mailboxReadKey(userID)
	_, err = s.redis.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, key, raw)
		pipe.LTrim(ctx, key, 0, s.opts.Notification.MaxEntries-1)
		pipe.Expire(ctx, key, s.opts.Notification.TTL)
		pipe.Expire(ctx, readKey, s.opts.Notification.TTL)
		return nil
	})
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}
	return n, nil
}

// Notify 写入信箱并推送 notification:new 给该用户的在线连接
func (s *Service) Notify(ctx context.Context, userID, typ string, payload json.RawMessage) (*model.Notification, error) {
	n, err := s.PushNotification(ctx, userID, typ, payload)
	if err != nil {
		return nil, err
	}
	if err := s.publish(ctx, userChannel(userID), model.EventNotificationNew, n, ""); err != nil {
		// 已入信箱，用户重连后可拉取
		s.log.Warn(ctx, "Publish notification failed", logger.F("user_id", userID), logger.Err(err))
	}
	return n, nil
}

// ListNotifications 返回信箱全部条目，按创建时间从新到旧，带已读标记
func (s *Service) ListNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	cmds, err := s.redis.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRange(ctx, mailboxKey(userID), 0, -1)
		pipe.SMembers(ctx, mailboxReadKey(userID))
		return nil
	})
	if err != nil {
		return nil, model.NewStoreUnavailableError(err)
	}
	entries := cmds[0].(*goredis.StringSliceCmd).Val()
	readIDs := cmds[1].(*goredis.StringSliceCmd).Val()

	read := make(map[string]struct{}, len(readIDs))
	for _, id := range readIDs {
		read[id] = struct{}{}
	}

	out := make([]model.Notification, 0, len(entries))
	for _, raw := range entries {
		var n model.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			s.log.Warn(ctx, "Skip malformed notification", logger.F("user_id", userID), logger.Err(err))
			continue
		}
		_, n.Read = read[n.ID]
		out = append(out, n)
	}
	return out, nil
}

// findNotification 按ID在信箱中查找原始条目
func (s *Service) findNotification(ctx context.Context, userID, id string) (string, error) {
	entries, err := s.redis.LRange(ctx, mailboxKey(userID), 0, -1)
	if err != nil {
		return "", model.NewStoreUnavailableError(err)
	}
	for _, raw := range entries {
		var n model.Notification
		if json.Unmarshal([]byte(raw), &n) == nil && n.ID == id {
			return raw, nil
		}
	}
	return "", model.NewNotFoundError("notification %s not found", id)
}

// MarkNotificationRead 标记已读
func (s *Service) MarkNotificationRead(ctx context.Context, userID, id string) error {
	if _, err := s.findNotification(ctx, userID, id); err != nil {
		return err
	}
	readKey := mailboxReadKey(userID)
	_, err := s.redis.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, readKey, id)
		pipe.Expire(ctx, readKey, s.opts.Notification.TTL)
		return nil
	})
	return storeErr(err)
}

// ClearNotification 删除一条
func (s *Service) ClearNotification(ctx context.Context, userID, id string) error {
	raw, err := s.findNotification(ctx, userID, id)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LRem(ctx, mailboxKey(userID), 1, raw)
		pipe.SRem(ctx, mailboxReadKey(userID), id)
		return nil
	})
	return storeErr(err)
}

// ClearNotifications 清空信箱
func (s *Service) ClearNotifications(ctx context.Context, userID string) error {
	return storeErr(s.redis.Del(ctx, mailboxKey(userID), mailboxReadKey(userID)))
}
