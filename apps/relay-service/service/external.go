package service

import (
	"context"

	"github.com/goccy/go-json"

	"goim-realtime/apps/relay-service/model"
)

// 外部事件目标
const (
	TargetUser = "user"
	TargetRoom = "room"
)

// externalNotification notification:new 外部事件的数据
type externalNotification struct {
	Type    string          `json:"type" validate:"required,max=64"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DeliverExternal 投递由外部服务产生的事件（如 chat:updated、提及通知）
// 通知先写入信箱再推送，其余事件原样发布到用户或房间频道。
func (s *Service) DeliverExternal(ctx context.Context, ev *model.ExternalEvent) error {
	if err := model.Validate(ev); err != nil {
		return err
	}

	if ev.Event == model.EventNotificationNew {
		if ev.Target != TargetUser {
			return model.NewValidationError("notifications must target a user")
		}
		var body externalNotification
		if err := model.DecodePayload(ev.Data, &body); err != nil {
			return err
		}
		_, err := s.Notify(ctx, ev.ID, body.Type, body.Payload)
		return err
	}

	channel := userChannel(ev.ID)
	if ev.Target == TargetRoom {
		channel = roomChannel(ev.ID)
	}
	return s.publish(ctx, channel, ev.Event, ev.Data, "")
}
