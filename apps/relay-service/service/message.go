package service

import (
	"context"

	"goim-realtime/apps/relay-service/model"
)

// 聊天事件只做扇出，消息持久化由外部API负责

// SendMessage 把已落库的消息扇出到房间，发送连接只收到确认
func (s *Service) SendMessage(ctx context.Context, c *Connection, req *model.MessageNewRequest) (*model.MessageAck, error) {
	msg := model.MessagePayload{
		ID:               s.ids.NextString(),
		ChatID:           req.ChatID,
		SenderID:         c.UserID,
		EncryptedContent: req.EncryptedContent,
		MessageType:      req.MessageType,
		ReplyToID:        req.ReplyToID,
		CreatedAt:        nowMillis(),
	}
	if err := s.publish(ctx, roomChannel(req.ChatID), model.EventMessageNew, msg, c.ID); err != nil {
		return nil, err
	}
	return &model.MessageAck{
		ID:        msg.ID,
		TempID:    req.TempID,
		ChatID:    msg.ChatID,
		CreatedAt: msg.CreatedAt,
	}, nil
}

// MessageDelivered 广播送达回执
func (s *Service) MessageDelivered(ctx context.Context, c *Connection, req *model.MessageDeliveredRequest) (*model.ReceiptPayload, error) {
	at := req.DeliveredAt
	if at == 0 {
		at = nowMillis()
	}
	receipt := &model.ReceiptPayload{MessageID: req.MessageID, ChatID: req.ChatID, UserID: c.UserID, DeliveredAt: at}
	return receipt, s.publish(ctx, roomChannel(req.ChatID), model.EventMessageDelivered, receipt, c.ID)
}

// MessageRead 广播已读回执
func (s *Service) MessageRead(ctx context.Context, c *Connection, req *model.MessageReadRequest) (*model.ReceiptPayload, error) {
	at := req.ReadAt
	if at == 0 {
		at = nowMillis()
	}
	receipt := &model.ReceiptPayload{MessageID: req.MessageID, ChatID: req.ChatID, UserID: c.UserID, ReadAt: at}
	return receipt, s.publish(ctx, roomChannel(req.ChatID), model.EventMessageRead, receipt, c.ID)
}

// Typing 正在输入 / 停止输入
func (s *Service) Typing(ctx context.Context, c *Connection, event string, req *model.TypingRequest) error {
	return s.publish(ctx, roomChannel(req.ChatID), event, model.TypingPayload{ChatID: req.ChatID, UserID: c.UserID}, c.ID)
}

// React 添加或移除表情回应
func (s *Service) React(ctx context.Context, c *Connection, event string, req *model.ReactionRequest) (*model.ReactionPayload, error) {
	reaction := &model.ReactionPayload{
		MessageID: req.MessageID,
		ChatID:    req.ChatID,
		UserID:    c.UserID,
		Reaction:  req.Reaction,
		CreatedAt: nowMillis(),
	}
	return reaction, s.publish(ctx, roomChannel(req.ChatID), event, reaction, c.ID)
}
